package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/popfuse/popfuse/internal/catalog"
	"github.com/popfuse/popfuse/internal/kv"
)

// fakeExperiments is an in-memory ExperimentSource.
type fakeExperiments map[string]*catalog.Experiment

func (f fakeExperiments) GetExperiment(id string) (*catalog.Experiment, error) {
	exp, ok := f[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return exp, nil
}

type filterHarness struct {
	store       *kv.MemoryStore
	experiments fakeExperiments
	filter      *Filter
}

func newFilterHarness(t *testing.T) *filterHarness {
	t.Helper()
	store := kv.NewMemoryStore()
	logger := discardLogger()
	experiments := fakeExperiments{}
	frequency := NewFrequencyEvaluator(store, 30*time.Minute, logger)
	allocator := NewAllocator(store, logger)
	return &filterHarness{
		store:       store,
		experiments: experiments,
		filter:      NewFilter(experiments, allocator, frequency, logger, nil),
	}
}

func activeCampaign(id string, priority int) catalog.Campaign {
	return catalog.Campaign{ID: id, StoreID: "store-1", Status: catalog.StatusActive, Priority: priority}
}

func TestSelectEligibleRejectsInvalidVisitor(t *testing.T) {
	h := newFilterHarness(t)

	_, err := h.filter.SelectEligible(context.Background(), nil, &VisitorContext{}, 3)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSelectEligibleSkipsInactiveAndUnmatched(t *testing.T) {
	h := newFilterHarness(t)
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1", Device: "mobile"}

	desktopOnly := activeCampaign("camp-desktop", 5)
	desktopOnly.TargetRules = &catalog.TargetRules{
		Audience: &catalog.AudienceRules{Enabled: true, Devices: []string{"desktop"}},
	}
	paused := activeCampaign("camp-paused", 9)
	paused.Status = catalog.StatusPaused

	candidates := []catalog.Campaign{
		paused,
		desktopOnly,
		activeCampaign("camp-ok", 1),
	}

	got, err := h.filter.SelectEligible(context.Background(), candidates, visitor, 3)
	assert.NoError(t, err)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "camp-ok", got[0].Campaign.ID)
	}
}

func TestSelectEligibleOrdersAndTruncates(t *testing.T) {
	h := newFilterHarness(t)
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	candidates := []catalog.Campaign{
		activeCampaign("camp-c", 1),
		activeCampaign("camp-b", 5),
		activeCampaign("camp-a", 5),
		activeCampaign("camp-d", 9),
	}

	got, err := h.filter.SelectEligible(context.Background(), candidates, visitor, 3)
	assert.NoError(t, err)
	if assert.Len(t, got, 3) {
		// Priority descending, campaign ID breaking the tie.
		assert.Equal(t, "camp-d", got[0].Campaign.ID)
		assert.Equal(t, "camp-a", got[1].Campaign.ID)
		assert.Equal(t, "camp-b", got[2].Campaign.ID)
	}

	all, err := h.filter.SelectEligible(context.Background(), candidates, visitor, 0)
	assert.NoError(t, err)
	assert.Len(t, all, 4, "maxResults 0 means unbounded")
}

func TestSelectEligibleDropsCappedCampaigns(t *testing.T) {
	h := newFilterHarness(t)
	ctx := context.Background()
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	capped := activeCampaign("camp-capped", 9)
	capped.TargetRules = &catalog.TargetRules{
		Frequency: &catalog.FrequencyRules{Windows: []catalog.CapWindow{
			{Window: catalog.WindowSession, Limit: 1},
		}},
	}
	candidates := []catalog.Campaign{capped, activeCampaign("camp-open", 1)}

	got, err := h.filter.SelectEligible(ctx, candidates, visitor, 3)
	assert.NoError(t, err)
	assert.Len(t, got, 2)

	// After a rendered display the capped campaign drops out; the others
	// are untouched.
	freq := NewFrequencyEvaluator(h.store, 30*time.Minute, discardLogger())
	freq.Acknowledge(ctx, &capped, visitor)

	got, err = h.filter.SelectEligible(ctx, candidates, visitor, 3)
	assert.NoError(t, err)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "camp-open", got[0].Campaign.ID)
	}
}

func TestSelectEligibleResolvesExperiment(t *testing.T) {
	h := newFilterHarness(t)
	ctx := context.Background()
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	campA := activeCampaign("camp-a", 5)
	campA.ExperimentID = "exp-1"
	campB := activeCampaign("camp-b", 5)
	campB.ExperimentID = "exp-1"
	h.experiments["exp-1"] = &catalog.Experiment{
		ID:     "exp-1",
		Status: catalog.ExperimentRunning,
		Variants: []catalog.Variant{
			{ID: "var-a", CampaignID: "camp-a", TrafficPercentage: 50, IsControl: true},
			{ID: "var-b", CampaignID: "camp-b", TrafficPercentage: 50, Position: 1},
		},
	}
	// Pin the assignment so the test does not depend on the hash.
	h.store.Set(ctx, "exp:exp-1:v1", "var-b", 0)

	got, err := h.filter.SelectEligible(ctx, []catalog.Campaign{campA, campB}, visitor, 3)
	assert.NoError(t, err)
	if assert.Len(t, got, 1, "one survivor per experiment") {
		assert.Equal(t, "camp-b", got[0].Campaign.ID)
		assert.Equal(t, "exp-1", got[0].ExperimentID)
		assert.Equal(t, "var-b", got[0].VariantID)
	}
}

func TestSelectEligibleKeepsCampaignWhenExperimentMissing(t *testing.T) {
	h := newFilterHarness(t)
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	camp := activeCampaign("camp-a", 5)
	camp.ExperimentID = "exp-gone"

	got, err := h.filter.SelectEligible(context.Background(), []catalog.Campaign{camp}, visitor, 3)
	assert.NoError(t, err)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "camp-a", got[0].Campaign.ID)
		assert.Empty(t, got[0].ExperimentID, "a dangling reference degrades to a plain candidate")
	}
}

func TestSelectEligibleIgnoresNonRunningExperiment(t *testing.T) {
	h := newFilterHarness(t)
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	camp := activeCampaign("camp-a", 5)
	camp.ExperimentID = "exp-1"
	h.experiments["exp-1"] = &catalog.Experiment{
		ID:     "exp-1",
		Status: catalog.ExperimentDraft,
		Variants: []catalog.Variant{
			{ID: "var-a", CampaignID: "camp-a", TrafficPercentage: 100, IsControl: true},
		},
	}

	got, err := h.filter.SelectEligible(context.Background(), []catalog.Campaign{camp}, visitor, 3)
	assert.NoError(t, err)
	if assert.Len(t, got, 1) {
		assert.Empty(t, got[0].VariantID)
	}
}

func TestSelectEligibleDropsVariantOutsideCandidateSet(t *testing.T) {
	h := newFilterHarness(t)
	ctx := context.Background()
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	campA := activeCampaign("camp-a", 5)
	campA.ExperimentID = "exp-1"
	h.experiments["exp-1"] = &catalog.Experiment{
		ID:     "exp-1",
		Status: catalog.ExperimentRunning,
		Variants: []catalog.Variant{
			{ID: "var-a", CampaignID: "camp-a", TrafficPercentage: 50, IsControl: true},
			{ID: "var-b", CampaignID: "camp-paused", TrafficPercentage: 50, Position: 1},
		},
	}
	// The visitor is assigned to a variant whose campaign is paused and
	// therefore absent from the candidate set.
	h.store.Set(ctx, "exp:exp-1:v1", "var-b", 0)

	got, err := h.filter.SelectEligible(ctx, []catalog.Campaign{campA}, visitor, 3)
	assert.NoError(t, err)
	assert.Empty(t, got, "the experiment contributes nothing this decision")
}

func TestSelectEligibleNeverResolvesToInactiveCampaign(t *testing.T) {
	h := newFilterHarness(t)
	ctx := context.Background()
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1"}

	campA := activeCampaign("camp-a", 5)
	campA.ExperimentID = "exp-1"
	campB := activeCampaign("camp-b", 5)
	campB.Status = catalog.StatusPaused
	campB.ExperimentID = "exp-1"
	h.experiments["exp-1"] = &catalog.Experiment{
		ID:     "exp-1",
		Status: catalog.ExperimentRunning,
		Variants: []catalog.Variant{
			{ID: "var-b", CampaignID: "camp-b", TrafficPercentage: 100, IsControl: true},
		},
	}

	// camp-b is in the candidate slice but paused. Every visitor lands on
	// var-b, so the experiment must resolve to nothing rather than revive
	// the paused campaign.
	got, err := h.filter.SelectEligible(ctx, []catalog.Campaign{campA, campB}, visitor, 3)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
