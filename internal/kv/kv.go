package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist (or has expired).
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers apply their own fail-open/fail-closed policy on it; it is never
// surfaced to visitors as a fault.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the shared TTL key-value store every stateful component depends
// on: frequency counters, experiment assignments, rate-limit counters and
// challenge tokens. All mutation is expressed as atomic primitives so that
// concurrent requests from the same visitor cannot interleave a
// read-modify-write.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrWithTTL atomically increments the integer counter at key and
	// returns the new count. The ttl is applied only when the increment
	// creates the key, so the window never slides.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetIfAbsent stores value under key only when the key does not exist.
	// It reports whether the write won, and returns the value that is now
	// stored either way (the caller's value on a win, the concurrent
	// winner's value otherwise).
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error)

	// GetDel atomically reads and deletes key, returning ErrNotFound when
	// the key was already gone. This is the single-use primitive behind
	// challenge token consumption.
	GetDel(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, 0 when the key has no
	// expiry, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
