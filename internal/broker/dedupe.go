package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"detectsvc/internal/domain"
)

const resultKeyPrefix = "detect:result:"

// ResultCache remembers published results so a redelivered job is answered
// without running the model again.
type ResultCache interface {
	Get(ctx context.Context, key string) (*domain.Result, error)
	Put(ctx context.Context, key string, result domain.Result) error
}

// JobKey identifies a job across deliveries by a digest of what it points at
// and where the result goes. The producer's job id is folded in when present
// but is not trusted to be unique on its own.
func JobKey(job domain.Job) string {
	h := sha256.New()
	for _, part := range []string{job.Bucket, job.Key, job.ChatID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if job.JobID != nil {
		h.Write([]byte("id:" + *job.JobID))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisResultCache stores results as JSON under detect:result:<job key>.
type RedisResultCache struct {
	kv  redisKV
	ttl time.Duration
}

func NewRedisResultCache(client redis.UniversalClient, ttl time.Duration) *RedisResultCache {
	return &RedisResultCache{kv: client, ttl: ttl}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Get returns nil, nil on a miss.
func (c *RedisResultCache) Get(ctx context.Context, key string) (*domain.Result, error) {
	raw, err := c.kv.Get(ctx, resultKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res domain.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RedisResultCache) Put(ctx context.Context, key string, result domain.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, resultKeyPrefix+key, raw, c.ttl).Err()
}
