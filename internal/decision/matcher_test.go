package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/popfuse/popfuse/internal/catalog"
)

func boolPtr(b bool) *bool { return &b }

func TestMatchesNilAndDisabledRules(t *testing.T) {
	visitor := &VisitorContext{VisitorID: "v1", SessionID: "s1", Device: "mobile"}

	assert.True(t, Matches(nil, visitor), "nil rule document must pass")
	assert.True(t, Matches(&catalog.TargetRules{}, visitor), "empty rule document must pass")

	// A section that exists but is not enabled places no restriction.
	rules := &catalog.TargetRules{
		Audience: &catalog.AudienceRules{Enabled: false, Devices: []string{"desktop"}},
		Page:     &catalog.PageRules{Enabled: false, Pages: []string{"/checkout"}},
	}
	assert.True(t, Matches(rules, visitor))
}

func TestMatchesAudience(t *testing.T) {
	tests := []struct {
		name    string
		rules   catalog.AudienceRules
		visitor VisitorContext
		want    bool
		reason  string
	}{
		{
			name:    "segment intersection passes",
			rules:   catalog.AudienceRules{Enabled: true, SegmentIDs: []string{"vip", "beta"}},
			visitor: VisitorContext{Segments: []string{"vip"}},
			want:    true,
		},
		{
			name:    "no shared segment fails",
			rules:   catalog.AudienceRules{Enabled: true, SegmentIDs: []string{"vip"}},
			visitor: VisitorContext{Segments: []string{"newsletter"}},
			want:    false,
			reason:  "audience_segments",
		},
		{
			name:    "device class matches",
			rules:   catalog.AudienceRules{Enabled: true, Devices: []string{"mobile", "tablet"}},
			visitor: VisitorContext{Device: "mobile"},
			want:    true,
		},
		{
			name:    "device class rejected",
			rules:   catalog.AudienceRules{Enabled: true, Devices: []string{"desktop"}},
			visitor: VisitorContext{Device: "mobile"},
			want:    false,
			reason:  "audience_device",
		},
		{
			name:    "returning visitor required",
			rules:   catalog.AudienceRules{Enabled: true, ReturningVisitor: boolPtr(true)},
			visitor: VisitorContext{ReturningVisitor: false},
			want:    false,
			reason:  "audience_returning",
		},
		{
			name:    "new visitors only",
			rules:   catalog.AudienceRules{Enabled: true, ReturningVisitor: boolPtr(false)},
			visitor: VisitorContext{ReturningVisitor: false},
			want:    true,
		},
		{
			name:    "cart value below threshold",
			rules:   catalog.AudienceRules{Enabled: true, MinCartValue: 5000},
			visitor: VisitorContext{CartValue: 4999},
			want:    false,
			reason:  "audience_cart_value",
		},
		{
			name:    "cart value at threshold",
			rules:   catalog.AudienceRules{Enabled: true, MinCartValue: 5000},
			visitor: VisitorContext{CartValue: 5000},
			want:    true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules := &catalog.TargetRules{Audience: &tc.rules}
			got, reason := MatchesExplain(rules, &tc.visitor)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestMatchesPage(t *testing.T) {
	tests := []struct {
		name    string
		rules   catalog.PageRules
		visitor VisitorContext
		want    bool
		reason  string
	}{
		{
			name:    "include pattern matches",
			rules:   catalog.PageRules{Enabled: true, Pages: []string{"/products/*"}},
			visitor: VisitorContext{PageURL: "/products/red-shoes"},
			want:    true,
		},
		{
			name:    "wildcard crosses path segments",
			rules:   catalog.PageRules{Enabled: true, Pages: []string{"/products/*"}},
			visitor: VisitorContext{PageURL: "/products/shoes/red/42"},
			want:    true,
		},
		{
			name:    "no include pattern matches",
			rules:   catalog.PageRules{Enabled: true, Pages: []string{"/products/*", "/collections/*"}},
			visitor: VisitorContext{PageURL: "/cart"},
			want:    false,
			reason:  "page_include",
		},
		{
			name: "exclude wins over include",
			rules: catalog.PageRules{
				Enabled:      true,
				Pages:        []string{"/products/*"},
				ExcludePages: []string{"/products/clearance*"},
			},
			visitor: VisitorContext{PageURL: "/products/clearance/old-stock"},
			want:    false,
			reason:  "page_exclude",
		},
		{
			name: "exact exclude leaves siblings alone",
			rules: catalog.PageRules{
				Enabled:      true,
				Pages:        []string{"/products/*"},
				ExcludePages: []string{"/products/clearance"},
			},
			visitor: VisitorContext{PageURL: "/products/shoe-1"},
			want:    true,
		},
		{
			name: "exact exclude rejects its page",
			rules: catalog.PageRules{
				Enabled:      true,
				Pages:        []string{"/products/*"},
				ExcludePages: []string{"/products/clearance"},
			},
			visitor: VisitorContext{PageURL: "/products/clearance"},
			want:    false,
			reason:  "page_exclude",
		},
		{
			name:    "exact pattern without wildcard",
			rules:   catalog.PageRules{Enabled: true, Pages: []string{"/cart"}},
			visitor: VisitorContext{PageURL: "/cart"},
			want:    true,
		},
		{
			name:    "exact pattern rejects prefix match",
			rules:   catalog.PageRules{Enabled: true, Pages: []string{"/cart"}},
			visitor: VisitorContext{PageURL: "/cart/checkout"},
			want:    false,
			reason:  "page_include",
		},
		{
			name:    "interior wildcard",
			rules:   catalog.PageRules{Enabled: true, Pages: []string{"/collections/*/products/*"}},
			visitor: VisitorContext{PageURL: "/collections/summer/products/hat"},
			want:    true,
		},
		{
			name:    "product tag intersection",
			rules:   catalog.PageRules{Enabled: true, ProductTags: []string{"sale"}},
			visitor: VisitorContext{PageTags: []string{"sale", "featured"}},
			want:    true,
		},
		{
			name:    "product tag missing",
			rules:   catalog.PageRules{Enabled: true, ProductTags: []string{"sale"}},
			visitor: VisitorContext{PageTags: []string{"featured"}},
			want:    false,
			reason:  "page_tags",
		},
		{
			name:    "collection missing",
			rules:   catalog.PageRules{Enabled: true, Collections: []string{"summer"}},
			visitor: VisitorContext{PageCollections: []string{"winter"}},
			want:    false,
			reason:  "page_collections",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules := &catalog.TargetRules{Page: &tc.rules}
			got, reason := MatchesExplain(rules, &tc.visitor)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestMatchesReportsFirstFailure(t *testing.T) {
	rules := &catalog.TargetRules{
		Audience: &catalog.AudienceRules{Enabled: true, Devices: []string{"desktop"}},
		Page:     &catalog.PageRules{Enabled: true, Pages: []string{"/checkout"}},
	}
	visitor := &VisitorContext{Device: "mobile", PageURL: "/cart"}

	ok, reason := MatchesExplain(rules, visitor)
	assert.False(t, ok)
	assert.Equal(t, "audience_device", reason, "audience checks run before page checks")
}

func TestVisitorContextValidate(t *testing.T) {
	var nilCtx *VisitorContext
	assert.ErrorIs(t, nilCtx.Validate(), ErrValidation)

	assert.ErrorIs(t, (&VisitorContext{SessionID: "s1"}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&VisitorContext{VisitorID: "v1"}).Validate(), ErrValidation)
	assert.NoError(t, (&VisitorContext{VisitorID: "v1", SessionID: "s1"}).Validate())
}
