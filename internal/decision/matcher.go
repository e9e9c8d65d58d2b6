package decision

import (
	"strings"

	"github.com/popfuse/popfuse/internal/catalog"
)

// Matches reports whether a campaign's targeting rules accept the visitor
// and the page they are on. Pure rule evaluation, no I/O.
//
// An absent rule document, an absent sub-section, or a section with its
// enabled flag off all mean "no restriction of that kind" and pass. Getting
// this asymmetry wrong silently suppresses campaigns, so every check below
// starts from pass and only rejects on an explicit configured constraint.
func Matches(rules *catalog.TargetRules, visitor *VisitorContext) bool {
	ok, _ := MatchesExplain(rules, visitor)
	return ok
}

// MatchesExplain is Matches with the name of the first failing check, for
// decision logging.
func MatchesExplain(rules *catalog.TargetRules, visitor *VisitorContext) (bool, string) {
	if rules == nil {
		return true, ""
	}
	if reason := checkAudience(rules.Audience, visitor); reason != "" {
		return false, reason
	}
	if reason := checkPage(rules.Page, visitor); reason != "" {
		return false, reason
	}
	return true, ""
}

func checkAudience(rules *catalog.AudienceRules, visitor *VisitorContext) string {
	if rules == nil || !rules.Enabled {
		return ""
	}

	if len(rules.SegmentIDs) > 0 && !intersects(rules.SegmentIDs, visitor.Segments) {
		return "audience_segments"
	}
	if len(rules.Devices) > 0 && !contains(rules.Devices, visitor.Device) {
		return "audience_device"
	}
	if rules.ReturningVisitor != nil && *rules.ReturningVisitor != visitor.ReturningVisitor {
		return "audience_returning"
	}
	if rules.MinCartValue > 0 && visitor.CartValue < rules.MinCartValue {
		return "audience_cart_value"
	}
	return ""
}

func checkPage(rules *catalog.PageRules, visitor *VisitorContext) string {
	if rules == nil || !rules.Enabled {
		return ""
	}

	if len(rules.Pages) > 0 {
		included := false
		for _, pattern := range rules.Pages {
			if matchPattern(pattern, visitor.PageURL) {
				included = true
				break
			}
		}
		if !included {
			return "page_include"
		}
	}
	for _, pattern := range rules.ExcludePages {
		if matchPattern(pattern, visitor.PageURL) {
			return "page_exclude"
		}
	}
	if len(rules.ProductTags) > 0 && !intersects(rules.ProductTags, visitor.PageTags) {
		return "page_tags"
	}
	if len(rules.Collections) > 0 && !intersects(rules.Collections, visitor.PageCollections) {
		return "page_collections"
	}
	return ""
}

// matchPattern matches a URL path against a glob-style pattern where "*"
// matches any run of characters, including "/". Patterns come from the rule
// authoring side, so "/products/*" is expected to cover nested paths too.
func matchPattern(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}

	return strings.HasSuffix(s, parts[last])
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
