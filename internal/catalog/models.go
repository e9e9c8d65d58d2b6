package catalog

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced campaign or experiment does not
// exist. Callers on the display path drop the reference from their candidate
// set instead of failing the request.
var ErrNotFound = errors.New("catalog: not found")

// ErrValidation is returned for malformed records or rule documents. It is
// rejected locally and never turns into a 5xx for the visitor.
var ErrValidation = errors.New("catalog: validation failed")

// Campaign lifecycle statuses.
const (
	StatusDraft    = "DRAFT"
	StatusActive   = "ACTIVE"
	StatusPaused   = "PAUSED"
	StatusArchived = "ARCHIVED"
)

// Experiment lifecycle statuses.
const (
	ExperimentDraft     = "DRAFT"
	ExperimentRunning   = "RUNNING"
	ExperimentCompleted = "COMPLETED"
)

// Frequency cap window types, in the order they are evaluated.
const (
	WindowSession  = "session"
	WindowCooldown = "cooldown"
	WindowDay      = "day"
	WindowTotal    = "total"
)

// Campaign is a popup campaign as stored in the catalog.
type Campaign struct {
	ID      string `json:"id" db:"id"`
	StoreID string `json:"store_id" db:"store_id"`
	Name    string `json:"name" db:"name"`

	// Status is always one of the lifecycle constants; only ACTIVE
	// campaigns are ever eligible for display.
	Status string `json:"status" db:"status"`

	// Priority orders eligible campaigns, higher first.
	Priority int `json:"priority" db:"priority"`

	// ExperimentID is set when this campaign is a variant of a running
	// experiment.
	ExperimentID string `json:"experiment_id,omitempty" db:"experiment_id"`

	// TargetRules is the structured targeting document. A nil document or
	// a nil sub-section means "no restriction of that kind", never "no
	// match".
	TargetRules *TargetRules `json:"target_rules,omitempty" db:"target_rules"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TargetRules is the per-campaign targeting document. Each section is
// independently optional.
type TargetRules struct {
	Trigger   *TriggerRules   `json:"trigger,omitempty"`
	Audience  *AudienceRules  `json:"audience,omitempty"`
	Page      *PageRules      `json:"page,omitempty"`
	Frequency *FrequencyRules `json:"frequency,omitempty"`
}

// TriggerRules configures which client events arm the popup (exit intent,
// scroll depth, time on page). It is carried through to the widget and never
// evaluated server-side.
type TriggerRules struct {
	Events        []string `json:"events,omitempty"`
	DelaySeconds  int      `json:"delay_seconds,omitempty"`
	ScrollPercent int      `json:"scroll_percent,omitempty"`
}

// AudienceRules restricts who sees a campaign.
type AudienceRules struct {
	Enabled bool `json:"enabled"`

	// SegmentIDs is matched by intersection against the visitor's segment
	// membership, which is supplied by the caller.
	SegmentIDs []string `json:"segment_ids,omitempty"`

	// Devices restricts by device class ("desktop", "mobile", "tablet").
	// Empty means any device.
	Devices []string `json:"devices,omitempty"`

	// ReturningVisitor, when set, requires the visitor's returning flag to
	// match exactly.
	ReturningVisitor *bool `json:"returning_visitor,omitempty"`

	// MinCartValue, when positive, requires the visitor's cart to be worth
	// at least this many cents.
	MinCartValue int64 `json:"min_cart_value,omitempty"`
}

// PageRules restricts where a campaign may display.
type PageRules struct {
	Enabled bool `json:"enabled"`

	// Pages are glob-style include patterns ("*" wildcard). The current
	// URL must match at least one.
	Pages []string `json:"pages,omitempty"`

	// ExcludePages are glob-style exclude patterns. A match on any of them
	// rejects the page even when an include pattern matched.
	ExcludePages []string `json:"exclude_pages,omitempty"`

	// ProductTags / Collections are matched by intersection against the
	// attributes of the current page, supplied by the caller.
	ProductTags []string `json:"product_tags,omitempty"`
	Collections []string `json:"collections,omitempty"`
}

// FrequencyRules is the ordered list of display cap windows for a campaign.
type FrequencyRules struct {
	Windows []CapWindow `json:"windows,omitempty"`
}

// CapWindow is one display cap. Limit applies to counting windows; cooldown
// windows use CooldownSeconds and a last-display timestamp instead.
type CapWindow struct {
	Window          string `json:"window"`
	Limit           int64  `json:"limit,omitempty"`
	CooldownSeconds int64  `json:"cooldown_seconds,omitempty"`
}

// Experiment is a traffic-split test across campaign variants.
type Experiment struct {
	ID       string    `json:"id" db:"id"`
	StoreID  string    `json:"store_id" db:"store_id"`
	Name     string    `json:"name" db:"name"`
	Status   string    `json:"status" db:"status"`
	Variants []Variant `json:"variants"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Variant ties one campaign into an experiment with a slice of traffic.
type Variant struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	// TrafficPercentage is the variant's share, 0-100. Shares of a running
	// experiment always sum to 100.
	TrafficPercentage int `json:"traffic_percentage" db:"traffic_percentage"`

	IsControl bool `json:"is_control" db:"is_control"`

	// Position fixes the walk order used for bucketing; it never changes
	// once the variant is created.
	Position int `json:"position" db:"position"`
}

// Validate checks the experiment invariants: a running experiment's traffic
// percentages sum to 100 and at most one variant is the control.
func (e *Experiment) Validate() error {
	controls := 0
	sum := 0
	for _, v := range e.Variants {
		if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
			return fmt.Errorf("%w: variant %s traffic %d out of range", ErrValidation, v.ID, v.TrafficPercentage)
		}
		sum += v.TrafficPercentage
		if v.IsControl {
			controls++
		}
	}
	if controls > 1 {
		return fmt.Errorf("%w: experiment %s has %d control variants", ErrValidation, e.ID, controls)
	}
	if e.Status == ExperimentRunning {
		if len(e.Variants) == 0 {
			return fmt.Errorf("%w: running experiment %s has no variants", ErrValidation, e.ID)
		}
		if sum != 100 {
			return fmt.Errorf("%w: experiment %s traffic sums to %d, want 100", ErrValidation, e.ID, sum)
		}
	}
	return nil
}

// Control returns the control variant, or nil when none is marked.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given ID, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// User is an admin API user.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	APIKey       string    `json:"api_key,omitempty" db:"api_key"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
