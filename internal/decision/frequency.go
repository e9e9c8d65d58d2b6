package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/popfuse/popfuse/internal/catalog"
	"github.com/popfuse/popfuse/internal/kv"
)

// windowOrder fixes the evaluation order so the reported reason is
// deterministic no matter how the rule document lists its windows.
var windowOrder = []string{
	catalog.WindowSession,
	catalog.WindowCooldown,
	catalog.WindowDay,
	catalog.WindowTotal,
}

// CapDecision is the outcome of a frequency cap check.
type CapDecision struct {
	Allowed bool `json:"allowed"`

	// Reason names the first violated window when not allowed.
	Reason string `json:"reason,omitempty"`

	// Counts holds the current count per configured window (for cooldown:
	// seconds elapsed since the last display, -1 when never displayed).
	Counts map[string]int64 `json:"counts,omitempty"`

	// Degraded is set when the store could not be reached and the check
	// fell open.
	Degraded bool `json:"degraded,omitempty"`
}

// FrequencyEvaluator evaluates per-campaign, per-visitor display caps
// against the shared TTL store.
//
// Checking never mutates state. Counters move only through Acknowledge,
// which the caller invokes after a display actually rendered; filtering a
// campaign out costs the visitor nothing.
//
// When the store is unreachable the check fails open and treats the
// campaign as not capped. Suppressing every popup on a Redis outage is a
// worse failure for a storefront than occasionally exceeding a cap; this
// trades precision for availability on purpose.
type FrequencyEvaluator struct {
	store      kv.Store
	sessionTTL time.Duration
	logger     *slog.Logger

	// clock is overridable in tests.
	clock func() time.Time
}

// NewFrequencyEvaluator constructs an evaluator. sessionTTL bounds the
// lifetime of session-scoped counters.
func NewFrequencyEvaluator(store kv.Store, sessionTTL time.Duration, logger *slog.Logger) *FrequencyEvaluator {
	return &FrequencyEvaluator{
		store:      store,
		sessionTTL: sessionTTL,
		logger:     logger,
		clock:      time.Now,
	}
}

func capKey(scope, campaignID, window string) string {
	return fmt.Sprintf("freq:%s:%s:%s", scope, campaignID, window)
}

// scopeFor picks the identifier a window counts against: the session for
// session windows, the visitor otherwise.
func scopeFor(window string, visitor *VisitorContext) string {
	if window == catalog.WindowSession {
		return visitor.SessionID
	}
	return visitor.VisitorID
}

// Check evaluates every configured window and reports the first violation,
// along with all current counts for observability.
func (f *FrequencyEvaluator) Check(ctx context.Context, campaign *catalog.Campaign, visitor *VisitorContext) CapDecision {
	windows := configuredWindows(campaign)
	if len(windows) == 0 {
		return CapDecision{Allowed: true}
	}

	decision := CapDecision{Allowed: true, Counts: make(map[string]int64, len(windows))}

	for _, name := range windowOrder {
		w, ok := windows[name]
		if !ok {
			continue
		}

		if name == catalog.WindowCooldown {
			f.checkCooldown(ctx, campaign, visitor, w, &decision)
			continue
		}

		key := capKey(scopeFor(name, visitor), campaign.ID, name)
		count, err := f.readCount(ctx, key)
		if err != nil {
			f.logger.Warn("frequency counter unavailable, failing open",
				"campaign", campaign.ID, "window", name, "error", err)
			decision.Degraded = true
			continue
		}
		decision.Counts[name] = count

		if decision.Allowed && w.Limit > 0 && count >= w.Limit {
			decision.Allowed = false
			decision.Reason = name + "_cap_reached"
		}
	}

	return decision
}

func (f *FrequencyEvaluator) checkCooldown(ctx context.Context, campaign *catalog.Campaign, visitor *VisitorContext, w catalog.CapWindow, decision *CapDecision) {
	key := capKey(visitor.VisitorID, campaign.ID, catalog.WindowCooldown)
	raw, err := f.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		decision.Counts[catalog.WindowCooldown] = -1
		return
	}
	if err != nil {
		f.logger.Warn("cooldown timestamp unavailable, failing open",
			"campaign", campaign.ID, "error", err)
		decision.Degraded = true
		return
	}

	lastUnix, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		decision.Counts[catalog.WindowCooldown] = -1
		return
	}

	elapsed := f.clock().Unix() - lastUnix
	decision.Counts[catalog.WindowCooldown] = elapsed

	if decision.Allowed && elapsed < w.CooldownSeconds {
		decision.Allowed = false
		decision.Reason = "cooldown_active"
	}
}

func (f *FrequencyEvaluator) readCount(ctx context.Context, key string) (int64, error) {
	raw, err := f.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, nil
	}
	return count, nil
}

// Acknowledge records one rendered display: every configured window's
// counter is incremented with its own expiry, best effort. A failed
// increment is logged and skipped; the atomic per-key primitives keep a
// partial batch from corrupting anything.
func (f *FrequencyEvaluator) Acknowledge(ctx context.Context, campaign *catalog.Campaign, visitor *VisitorContext) {
	windows := configuredWindows(campaign)
	now := f.clock()

	for _, name := range windowOrder {
		w, ok := windows[name]
		if !ok {
			continue
		}

		var err error
		switch name {
		case catalog.WindowSession:
			key := capKey(visitor.SessionID, campaign.ID, name)
			_, err = f.store.IncrWithTTL(ctx, key, f.sessionTTL)
		case catalog.WindowDay:
			key := capKey(visitor.VisitorID, campaign.ID, name)
			_, err = f.store.IncrWithTTL(ctx, key, untilNextMidnight(now))
		case catalog.WindowTotal:
			key := capKey(visitor.VisitorID, campaign.ID, name)
			_, err = f.store.IncrWithTTL(ctx, key, 0)
		case catalog.WindowCooldown:
			key := capKey(visitor.VisitorID, campaign.ID, name)
			ttl := time.Duration(w.CooldownSeconds) * time.Second
			err = f.store.Set(ctx, key, strconv.FormatInt(now.Unix(), 10), ttl)
		}

		if err != nil {
			f.logger.Warn("failed to record display",
				"campaign", campaign.ID, "window", name, "error", err)
		}
	}
}

// untilNextMidnight returns the time left until local midnight plus an hour
// of buffer, so a daily counter never expires a moment before its window
// truly ends.
func untilNextMidnight(now time.Time) time.Duration {
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return midnight.Sub(now) + time.Hour
}

func configuredWindows(campaign *catalog.Campaign) map[string]catalog.CapWindow {
	rules := campaign.TargetRules
	if rules == nil || rules.Frequency == nil || len(rules.Frequency.Windows) == 0 {
		return nil
	}
	windows := make(map[string]catalog.CapWindow, len(rules.Frequency.Windows))
	for _, w := range rules.Frequency.Windows {
		if _, dup := windows[w.Window]; !dup {
			windows[w.Window] = w
		}
	}
	return windows
}
