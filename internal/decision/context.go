package decision

import (
	"errors"
	"fmt"
)

// ErrValidation is returned for a malformed visitor context. It is a local
// rejection, never a 5xx.
var ErrValidation = errors.New("decision: invalid visitor context")

// VisitorContext carries everything the engine knows about the requesting
// visitor and the page they are on. It is built per request by the caller
// and never persisted here.
type VisitorContext struct {
	// VisitorID identifies the visitor across sessions (widget cookie).
	VisitorID string `json:"visitor_id"`

	// SessionID identifies the current browsing session.
	SessionID string `json:"session_id"`

	// Device is the device class: "desktop", "mobile" or "tablet".
	Device string `json:"device,omitempty"`

	// PageURL is the path of the current page, PageType its kind
	// ("home", "product", "collection", "cart", ...).
	PageURL  string `json:"page_url,omitempty"`
	PageType string `json:"page_type,omitempty"`

	// Segments is the visitor's segment membership, supplied by the
	// caller; the engine never computes membership itself.
	Segments []string `json:"segments,omitempty"`

	// PageTags and PageCollections describe the current page, for
	// campaigns with product-tag or collection filters.
	PageTags        []string `json:"page_tags,omitempty"`
	PageCollections []string `json:"page_collections,omitempty"`

	// CartValue is the current cart total in cents.
	CartValue int64 `json:"cart_value,omitempty"`

	VisitCount       int  `json:"visit_count,omitempty"`
	ReturningVisitor bool `json:"returning_visitor,omitempty"`
}

// Validate checks the fields every stateful component keys on.
func (v *VisitorContext) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil context", ErrValidation)
	}
	if v.VisitorID == "" {
		return fmt.Errorf("%w: missing visitor id", ErrValidation)
	}
	if v.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrValidation)
	}
	return nil
}
