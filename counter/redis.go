package counter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nhalm/limitkit/config"
)

// decrScript decrements a counter without letting it go negative or creating
// a key that does not exist.
var decrScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Redis is a Redis-backed implementation of Counter for distributed
// deployments. It relies on Redis's atomic increment-with-expiry, so the
// sliding window degrades to a fixed window: counts reset when the Redis key
// expires rather than as individual requests age out. The exceeded/threshold
// semantics are otherwise identical to Memory.
type Redis struct {
	client    *redis.Client
	prefix    string
	cfg       config.Counter
	closeOnce sync.Once
}

// RedisConfig holds Redis connection settings. Populate from environment
// variables in your application code.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Prefix   string
}

// NewRedis creates a Redis counter with the given connection settings and
// counting policy. It verifies connectivity before returning.
func NewRedis(rc RedisConfig, cfg config.Counter) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rc.Prefix == "" {
		rc.Prefix = "ratelimit:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.URL,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: rc.Prefix,
		cfg:    cfg,
	}, nil
}

func (r *Redis) RecordRequest(ctx context.Context, key string) (Result, error) {
	fullKey := r.prefix + key

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, r.cfg.Window)
	ttlCmd := pipe.TTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis increment failed: %w", err)
	}

	// TTL reports -1 for keys without expiry; fall back to the full window.
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = r.cfg.Window
	}

	count := incr.Val()
	return Result{
		TotalHits: int(count),
		ResetTime: time.Now().Add(ttl),
		Exceeded:  count > int64(r.cfg.MaxRequests),
	}, nil
}

func (r *Redis) Decrement(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, r.client, []string{r.prefix + key}).Err(); err != nil {
		return fmt.Errorf("redis decrement failed: %w", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// MaxRequests reports the configured request ceiling per window.
func (r *Redis) MaxRequests() int {
	return r.cfg.MaxRequests
}

// Cleanup is a no-op: Redis expires counter keys on its own.
func (r *Redis) Cleanup(_ context.Context) error {
	return nil
}

// Shutdown closes the Redis client. Idempotent.
func (r *Redis) Shutdown() {
	r.closeOnce.Do(func() {
		_ = r.client.Close()
	})
}
