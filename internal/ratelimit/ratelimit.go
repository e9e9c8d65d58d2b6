// Package ratelimit provides a fixed-window rate limiter for action-gated
// endpoints, backed by the shared TTL store.
//
// Fixed windows fit this engine better than token buckets: every limit here
// protects a scarce action (token issuance, discount redemption) where the
// interesting guarantee is "no more than N per window", not smoothing of
// sustained throughput. The increment and the comparison are one atomic
// store operation, so two concurrent requests can never both observe
// "limit - 1" and both proceed.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/popfuse/popfuse/internal/kv"
)

// Policy is the recognized per-action limit shape.
type Policy struct {
	// Limit is the number of requests allowed per window.
	Limit int64

	// Window is the fixed window length.
	Window time.Duration

	// FailOpen selects the outage behavior for this call site: cosmetic
	// actions allow traffic when the store is down, security-sensitive
	// actions deny it. The limiter never hard-codes the choice.
	FailOpen bool
}

// Decision reports the outcome of a rate limit check. Denial is an expected
// outcome, not an error.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`

	// Degraded is set when the store was unreachable and the policy's
	// failure mode decided the outcome.
	Degraded bool `json:"degraded,omitempty"`
}

// Limiter counts requests per (actor, action) in fixed windows.
type Limiter struct {
	store  kv.Store
	logger *slog.Logger

	// denied counts denials per action; optional.
	denied *prometheus.CounterVec

	// clock is overridable in tests.
	clock func() time.Time
}

// New constructs a Limiter on the shared TTL store.
func New(store kv.Store, logger *slog.Logger, denied *prometheus.CounterVec) *Limiter {
	return &Limiter{store: store, logger: logger, denied: denied, clock: time.Now}
}

// Check counts this request against the (actor, action) window and decides
// whether it may proceed. The first request in a window creates the counter
// with the window as its expiry; the counter's remaining TTL is reported as
// ResetAt.
func (l *Limiter) Check(ctx context.Context, actor, action string, policy Policy) Decision {
	key := "rl:" + action + ":" + actor

	count, err := l.store.IncrWithTTL(ctx, key, policy.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable",
			"action", action, "fail_open", policy.FailOpen, "error", err)
		if !policy.FailOpen && l.denied != nil {
			l.denied.WithLabelValues(action).Inc()
		}
		// An uncounted fail-open request still advertises the full quota.
		var remaining int64
		if policy.FailOpen {
			remaining = policy.Limit
		}
		return Decision{
			Allowed:   policy.FailOpen,
			Remaining: remaining,
			ResetAt:   l.clock().Add(policy.Window),
			Degraded:  true,
		}
	}

	resetAt := l.clock().Add(policy.Window)
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		resetAt = l.clock().Add(ttl)
	} else if err != nil && !errors.Is(err, kv.ErrNotFound) {
		l.logger.Debug("rate limit ttl lookup failed", "action", action, "error", err)
	}

	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > policy.Limit {
		if l.denied != nil {
			l.denied.WithLabelValues(action).Inc()
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}
