package decision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/popfuse/popfuse/internal/catalog"
	"github.com/popfuse/popfuse/internal/kv"
)

// Allocator assigns visitors to experiment variants.
//
// Assignment is sticky: once a visitor has a variant it never changes for
// the life of the experiment, across process restarts and concurrent first
// requests. The candidate variant is derived from a deterministic hash, the
// store write uses set-if-absent, and the store is the source of truth for
// an assignment once made: a lost race discards the local candidate.
type Allocator struct {
	store  kv.Store
	logger *slog.Logger
}

// NewAllocator constructs an Allocator on the shared TTL store.
func NewAllocator(store kv.Store, logger *slog.Logger) *Allocator {
	return &Allocator{store: store, logger: logger}
}

func assignmentKey(experimentID, visitorID string) string {
	return fmt.Sprintf("exp:%s:%s", experimentID, visitorID)
}

// bucket maps (experimentID, visitorID) to a stable value in [0,100).
// Hashing instead of a random draw means two racing first requests compute
// the same candidate, so a lost set-if-absent almost never changes the
// outcome.
func bucket(experimentID, visitorID string) int {
	return int(xxhash.Sum64String(experimentID+":"+visitorID) % 100)
}

// Resolve returns the variant ID assigned to the visitor for this
// experiment, creating the assignment on first call.
func (a *Allocator) Resolve(ctx context.Context, experiment *catalog.Experiment, visitorID string) (string, error) {
	if len(experiment.Variants) == 0 {
		return "", fmt.Errorf("%w: experiment %s has no variants", catalog.ErrValidation, experiment.ID)
	}

	candidate := a.candidate(experiment, visitorID)

	stored, assigned, err := a.store.SetIfAbsent(ctx, assignmentKey(experiment.ID, visitorID), candidate.ID, 0)
	if err != nil {
		// The hash-derived candidate is deterministic, so returning it
		// keeps assignments consistent even while the store is down.
		a.logger.Warn("assignment store unavailable, using hash bucket",
			"experiment", experiment.ID, "error", err)
		return candidate.ID, nil
	}
	if stored {
		return candidate.ID, nil
	}

	// A concurrent request (or an earlier visit) already assigned this
	// visitor. The stored variant wins, unless editing the experiment has
	// since removed it, in which case the visitor falls back to control.
	if v := experiment.Variant(assigned); v != nil {
		return v.ID, nil
	}
	fallback := fallbackVariant(experiment)
	a.logger.Info("stored variant no longer exists, falling back",
		"experiment", experiment.ID, "stored", assigned, "fallback", fallback.ID)
	return fallback.ID, nil
}

// candidate walks the variants in creation order, accumulating traffic
// shares until the visitor's bucket falls inside one.
func (a *Allocator) candidate(experiment *catalog.Experiment, visitorID string) *catalog.Variant {
	b := bucket(experiment.ID, visitorID)
	cumulative := 0
	for i := range experiment.Variants {
		v := &experiment.Variants[i]
		cumulative += v.TrafficPercentage
		if b < cumulative {
			return v
		}
	}
	// Shares of a running experiment sum to 100, so this is only
	// reachable for a misconfigured draft; pick the fallback.
	return fallbackVariant(experiment)
}

// fallbackVariant is the control when one is marked, otherwise the variant
// with the largest traffic share (position breaks ties deterministically).
func fallbackVariant(experiment *catalog.Experiment) *catalog.Variant {
	if c := experiment.Control(); c != nil {
		return c
	}
	best := &experiment.Variants[0]
	for i := range experiment.Variants[1:] {
		v := &experiment.Variants[i+1]
		if v.TrafficPercentage > best.TrafficPercentage {
			best = v
		}
	}
	return best
}
