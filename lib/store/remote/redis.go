package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

type RedisConfig struct {
	Host      string
	Port      int
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

func NewRedisStore(conf RedisConfig) *RedisStore {
	return &RedisStore{
		Client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", conf.Host, conf.Port)}),
		prefix: conf.KeyPrefix,
		ttl:    conf.TTL,
	}
}

// RedisStore sets <prefix><request id> to the JSON result. A zero TTL keeps
// the key forever.
type RedisStore struct {
	*redis.Client
	prefix string
	ttl    time.Duration
}

func (r *RedisStore) Key(requestID string) string {
	return r.prefix + requestID
}

func (r *RedisStore) Save(ctx context.Context, result *recognition.Result) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.WithContext(ctx).Set(r.Key(result.RequestID.String()), b, r.ttl).Err()
}

func (r *RedisStore) Ready(ctx context.Context) bool {
	return r.WithContext(ctx).Ping().Err() == nil
}
