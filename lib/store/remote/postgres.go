package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

type PostgresConfig struct {
	DSN   string
	Table string
}

// NewPostgresStore connects and creates the results table if it is missing.
func NewPostgresStore(ctx context.Context, conf PostgresConfig) (*PostgresStore, error) {
	table := conf.Table
	if table == "" {
		table = "recognition_results"
	}

	pool, err := pgxpool.New(ctx, conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	p := &PostgresStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}

	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		request_id  uuid PRIMARY KEY,
		result      jsonb NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now()
	)`, p.table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create table: %w", err)
	}
	return p, nil
}

type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

func (p *PostgresStore) Save(ctx context.Context, result *recognition.Result) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (request_id, result) VALUES ($1, $2)`, p.table),
		result.RequestID.String(), b)
	return err
}

func (p *PostgresStore) Ready(ctx context.Context) bool {
	return p.pool.Ping(ctx) == nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}
