package enrich

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BreachLookup answers whether a canonical hash has a recorded breach or
// compromise history.
type BreachLookup interface {
	Breached(ctx context.Context, hash string) (bool, error)
}

// DefaultBreachKey is the Redis set holding breached canonical hashes.
const DefaultBreachKey = "leakwatch:breached"

// RedisBreachLookup checks membership of canonical hashes in a Redis set.
// The set is shared between instances keyed with the same HMAC key.
type RedisBreachLookup struct {
	client *redis.Client
	key    string
}

// RedisBreachOption configures a RedisBreachLookup.
type RedisBreachOption func(*RedisBreachLookup)

// WithBreachKey overrides the set name.
func WithBreachKey(key string) RedisBreachOption {
	return func(r *RedisBreachLookup) { r.key = key }
}

func NewRedisBreachLookup(client *redis.Client, opts ...RedisBreachOption) *RedisBreachLookup {
	r := &RedisBreachLookup{client: client, key: DefaultBreachKey}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// DialRedisBreachLookup parses a redis:// URL and pings the server.
func DialRedisBreachLookup(ctx context.Context, url string, opts ...RedisBreachOption) (*RedisBreachLookup, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("enrich: parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("enrich: redis ping: %w", err)
	}
	return NewRedisBreachLookup(client, opts...), nil
}

func (r *RedisBreachLookup) Breached(ctx context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	return r.client.SIsMember(ctx, r.key, hash).Result()
}

// Record adds hashes to the breach set.
func (r *RedisBreachLookup) Record(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	members := make([]any, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}
	return r.client.SAdd(ctx, r.key, members...).Err()
}

// Close closes the Redis client.
func (r *RedisBreachLookup) Close() error { return r.client.Close() }
