package decision

import (
	"context"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/popfuse/popfuse/internal/catalog"
)

// ExperimentSource resolves experiment references during filtering. The
// catalog store satisfies it.
type ExperimentSource interface {
	GetExperiment(id string) (*catalog.Experiment, error)
}

// Eligible is one campaign cleared for display, annotated with its
// experiment resolution and cap state for observability.
type Eligible struct {
	Campaign catalog.Campaign `json:"campaign"`

	// ExperimentID and VariantID are set when the campaign was resolved
	// through a running experiment.
	ExperimentID string `json:"experiment_id,omitempty"`
	VariantID    string `json:"variant_id,omitempty"`

	Cap CapDecision `json:"cap"`
}

// Filter composes the matcher, allocator and frequency evaluator into one
// display decision per request.
type Filter struct {
	experiments ExperimentSource
	allocator   *Allocator
	frequency   *FrequencyEvaluator
	logger      *slog.Logger

	// capped counts campaigns dropped by a frequency window; optional.
	capped *prometheus.CounterVec
}

// NewFilter wires up the filter pipeline.
func NewFilter(experiments ExperimentSource, allocator *Allocator, frequency *FrequencyEvaluator, logger *slog.Logger, capped *prometheus.CounterVec) *Filter {
	return &Filter{
		experiments: experiments,
		allocator:   allocator,
		frequency:   frequency,
		logger:      logger,
		capped:      capped,
	}
}

// SelectEligible runs the eligibility pipeline over the candidate set.
//
// Stages run cheapest first: lifecycle status and pure rule matching before
// anything that touches the store. Experiment resolution replaces a
// campaign with its resolved variant and deduplicates so each experiment
// contributes at most one survivor; frequency caps drop over-shown
// campaigns; what remains is sorted by priority descending with the
// campaign ID breaking ties, then truncated to maxResults.
//
// The call is read-only apart from the idempotent sticky-assignment write
// inside Resolve. It never acknowledges a display.
func (f *Filter) SelectEligible(ctx context.Context, candidates []catalog.Campaign, visitor *VisitorContext, maxResults int) ([]Eligible, error) {
	if err := visitor.Validate(); err != nil {
		return nil, err
	}

	// Variant lookups go through byID, so it must only contain campaigns
	// that survive the status gate. A paused campaign must not sneak back
	// in as a variant target.
	byID := make(map[string]*catalog.Campaign, len(candidates))
	for i := range candidates {
		if candidates[i].Status == catalog.StatusActive {
			byID[candidates[i].ID] = &candidates[i]
		}
	}

	seenExperiments := make(map[string]bool)
	var survivors []Eligible

	for i := range candidates {
		campaign := &candidates[i]

		if campaign.Status != catalog.StatusActive {
			continue
		}
		if !Matches(campaign.TargetRules, visitor) {
			continue
		}

		experimentID, variantID := "", ""
		if campaign.ExperimentID != "" {
			if seenExperiments[campaign.ExperimentID] {
				// Another candidate already resolved this experiment.
				continue
			}
			resolved, expID, varID := f.resolveExperiment(ctx, campaign, byID, visitor)
			seenExperiments[campaign.ExperimentID] = true
			if resolved == nil {
				continue
			}
			campaign, experimentID, variantID = resolved, expID, varID
		}

		capState := f.frequency.Check(ctx, campaign, visitor)
		if !capState.Allowed {
			if f.capped != nil {
				f.capped.WithLabelValues(capState.Reason).Inc()
			}
			continue
		}

		survivors = append(survivors, Eligible{
			Campaign:     *campaign,
			ExperimentID: experimentID,
			VariantID:    variantID,
			Cap:          capState,
		})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Campaign.Priority != survivors[j].Campaign.Priority {
			return survivors[i].Campaign.Priority > survivors[j].Campaign.Priority
		}
		return survivors[i].Campaign.ID < survivors[j].Campaign.ID
	})

	if maxResults > 0 && len(survivors) > maxResults {
		survivors = survivors[:maxResults]
	}
	return survivors, nil
}

// resolveExperiment swaps a campaign for the variant the visitor is
// assigned to. A missing or non-running experiment keeps the campaign as a
// plain candidate; a resolved variant whose campaign is not in the active
// candidate set drops the experiment from this decision.
func (f *Filter) resolveExperiment(ctx context.Context, campaign *catalog.Campaign, byID map[string]*catalog.Campaign, visitor *VisitorContext) (*catalog.Campaign, string, string) {
	experiment, err := f.experiments.GetExperiment(campaign.ExperimentID)
	if err != nil {
		f.logger.Warn("experiment lookup failed, keeping campaign as plain candidate",
			"campaign", campaign.ID, "experiment", campaign.ExperimentID, "error", err)
		return campaign, "", ""
	}
	if experiment.Status != catalog.ExperimentRunning {
		return campaign, "", ""
	}

	variantID, err := f.allocator.Resolve(ctx, experiment, visitor.VisitorID)
	if err != nil {
		f.logger.Warn("variant resolution failed, dropping experiment",
			"experiment", experiment.ID, "error", err)
		return nil, "", ""
	}

	variant := experiment.Variant(variantID)
	if variant == nil {
		return nil, "", ""
	}
	resolved, ok := byID[variant.CampaignID]
	if !ok {
		f.logger.Warn("resolved variant campaign is not an active candidate, dropping",
			"experiment", experiment.ID, "variant", variantID, "campaign", variant.CampaignID)
		return nil, "", ""
	}
	return resolved, experiment.ID, variantID
}
