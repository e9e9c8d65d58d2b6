package kv

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

//go:embed incr_with_ttl.lua
var incrWithTTLScript string

const defaultTimeout = 2 * time.Second

// RedisStore implements Store against a shared Redis instance. Increments go
// through a Lua script loaded at construction so that creating the counter
// and attaching its expiry is one round trip and one atomic step.
type RedisStore struct {
	client    *redis.Client
	scriptSHA string
	prefix    string
	timeout   time.Duration

	// errors counts failed operations per op name; optional.
	errors *prometheus.CounterVec
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "popfuse:").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTimeout sets the per-operation timeout (default 2s). No store call may
// block a visitor request for longer than this; on expiry the caller applies
// its fail-open/fail-closed policy.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// WithErrorCounter records failed store operations, labelled by op name.
func WithErrorCounter(c *prometheus.CounterVec) RedisOption {
	return func(s *RedisStore) { s.errors = c }
}

// NewRedisStore pings the server and preloads the increment script.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		client:  client,
		prefix:  "popfuse:",
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	sha, err := client.ScriptLoad(ctx, incrWithTTLScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redis script load: %w", err)
	}
	s.scriptSHA = sha

	return s, nil
}

func (s *RedisStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		return "", s.wrapErr("get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return s.wrapErr("set", err)
	}
	return nil
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	seconds := int64(ttl / time.Second)
	cmd := s.client.EvalSha(ctx, s.scriptSHA, []string{s.prefix + key}, seconds)
	count, err := cmd.Int64()
	if err != nil {
		// Script cache may be flushed on a server restart; retry once
		// with the full script body.
		if redis.HasErrorPrefix(err, "NOSCRIPT") {
			count, err = s.client.Eval(ctx, incrWithTTLScript, []string{s.prefix + key}, seconds).Int64()
		}
		if err != nil {
			return 0, s.wrapErr("incr_with_ttl", err)
		}
	}
	return count, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	// SET NX GET: returns the previous value when the key exists, Nil when
	// our write won.
	prev, err := s.client.SetArgs(ctx, s.prefix+key, value, redis.SetArgs{
		Mode: "NX",
		Get:  true,
		TTL:  ttl,
	}).Result()
	if err == redis.Nil {
		return true, value, nil
	}
	if err != nil {
		return false, "", s.wrapErr("set_if_absent", err)
	}
	return false, prev, nil
}

func (s *RedisStore) GetDel(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	val, err := s.client.GetDel(ctx, s.prefix+key).Result()
	if err != nil {
		return "", s.wrapErr("get_del", err)
	}
	return val, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return s.wrapErr("delete", err)
	}
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	d, err := s.client.TTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, s.wrapErr("ttl", err)
	}
	switch {
	case d == -2: // key does not exist
		return 0, ErrNotFound
	case d < 0: // key exists with no expiry
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) wrapErr(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if s.errors != nil {
		s.errors.WithLabelValues(op).Inc()
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
