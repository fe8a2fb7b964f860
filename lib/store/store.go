package store

import (
	"context"
	"fmt"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
	"github.com/cellar-labs/wine-label-recognition/lib/store/local"
	"github.com/cellar-labs/wine-label-recognition/lib/store/remote"
)

// Type selects where recognition results are persisted.
type Type string

const (
	None          Type = "none"
	File          Type = "file"
	Memory        Type = "memory"
	Redis         Type = "redis"
	Elasticsearch Type = "elasticsearch"
	Postgres      Type = "postgres"
)

// Store persists recognition results for later inspection. Nothing is ever
// read back from it to answer a request.
type Store interface {
	Save(ctx context.Context, result *recognition.Result) error
	Ready(ctx context.Context) bool
}

type Config struct {
	Backend       Type
	Dir           string
	Redis         remote.RedisConfig
	Elasticsearch remote.ElasticsearchConfig
	Postgres      remote.PostgresConfig
}

func New(ctx context.Context, conf Config) (Store, error) {
	switch conf.Backend {
	case None, "":
		return nop{}, nil
	case File:
		if conf.Dir == "" {
			return nop{}, nil
		}
		return local.NewFileStore(conf.Dir), nil
	case Memory:
		return local.NewMemoryStore(), nil
	case Redis:
		return remote.NewRedisStore(conf.Redis), nil
	case Elasticsearch:
		s, err := remote.NewElasticsearchStore(conf.Elasticsearch)
		if err != nil {
			return nil, err
		}
		return s, nil
	case Postgres:
		s, err := remote.NewPostgresStore(ctx, conf.Postgres)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("invalid results backend %q", conf.Backend)
}

type nop struct{}

func (nop) Save(context.Context, *recognition.Result) error { return nil }

func (nop) Ready(context.Context) bool { return true }
