package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/pagecache/resilience"
)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key.
	// Default: "pagecache:"
	Prefix string

	// Policy guards every call with timeout, retry and a circuit breaker.
	Policy resilience.BackendPolicy
}

// RedisBackend stores CBOR-encoded entries in Redis. Entries with a
// lifetime get a native Redis TTL so the server expires them as well.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	codec  Codec
	exec   *resilience.Executor
}

// NewRedisBackend connects a backend using cfg. onStateChange, when
// non-nil, observes circuit breaker transitions.
func NewRedisBackend(cfg RedisConfig, onStateChange func(name string, from, to resilience.State)) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackendWithClient(client, cfg.Prefix, resilience.NewBackendExecutor("redis", cfg.Policy, onStateChange))
}

// NewRedisBackendWithClient wraps an existing client. A nil exec runs calls
// unguarded.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string, exec *resilience.Executor) (*RedisBackend, error) {
	if client == nil {
		return nil, ErrNilBackend
	}
	codec, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "pagecache:"
	}
	if exec == nil {
		exec = resilience.NewExecutor()
	}
	return &RedisBackend{client: client, prefix: prefix, codec: codec, exec: exec}, nil
}

// Name implements Backend.
func (b *RedisBackend) Name() string { return "redis" }

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		raw   []byte
		found bool
	)
	err := b.exec.Execute(ctx, func(ctx context.Context) error {
		v, err := b.client.Get(ctx, b.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = v, true
		return nil
	})
	if err != nil {
		return Entry{}, false, b.fail("get", key, err)
	}
	if !found {
		return Entry{}, false, nil
	}

	var e Entry
	if err := b.codec.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, b.fail("decode", key, resilience.Permanent(err))
	}
	return e, true, nil
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, e Entry) error {
	raw, err := b.codec.Marshal(e)
	if err != nil {
		return b.fail("encode", e.Key, resilience.Permanent(err))
	}
	err = b.exec.Execute(ctx, func(ctx context.Context) error {
		return b.client.Set(ctx, b.prefix+e.Key, raw, e.Lifetime).Err()
	})
	if err != nil {
		return b.fail("set", e.Key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	err := b.exec.Execute(ctx, func(ctx context.Context) error {
		return b.client.Del(ctx, b.prefix+key).Err()
	})
	if err != nil {
		return b.fail("delete", key, err)
	}
	return nil
}

// Clear deletes every key under the prefix using SCAN.
func (b *RedisBackend) Clear(ctx context.Context) error {
	err := b.exec.Execute(ctx, func(ctx context.Context) error {
		iter := b.client.Scan(ctx, 0, b.prefix+"*", 500).Iterator()
		batch := make([]string, 0, 500)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := b.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			return b.client.Del(ctx, batch...).Err()
		}
		return nil
	})
	if err != nil {
		return b.fail("clear", "", err)
	}
	return nil
}

// Ping checks connectivity. It bypasses the circuit breaker so a health
// probe can observe recovery.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return b.fail("ping", "", err)
	}
	return nil
}

// BreakerState returns the circuit breaker state, or StateClosed when the
// backend runs unguarded.
func (b *RedisBackend) BreakerState() resilience.State {
	if cb := b.exec.CircuitBreaker(); cb != nil {
		return cb.State()
	}
	return resilience.StateClosed
}

// Close releases the client connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) fail(op, key string, err error) error {
	return &BackendFailure{Backend: b.Name(), Op: op, Key: key, Err: err}
}

var (
	_ Backend = (*RedisBackend)(nil)
	_ Pinger  = (*RedisBackend)(nil)
)
