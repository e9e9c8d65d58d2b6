// Package challenge issues and consumes single-use tokens that gate
// discount issuance.
//
// A legitimate widget first obtains a token through a rate-limited channel,
// then presents it when requesting a discount. The token binds the campaign,
// the visitor session and the requesting address at issuance, so a harvested
// token cannot be replayed from another session, and consumption is an
// atomic check-and-delete so it cannot be redeemed twice.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/popfuse/popfuse/internal/kv"
)

// Consumption outcome reasons.
const (
	ReasonUnknownOrUsed   = "unknown_or_used"
	ReasonSessionMismatch = "session_mismatch"
	ReasonStoreDown       = "store_unavailable"
)

// Token is an issued challenge token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is the outcome of a consumption attempt. Invalid tokens are an
// expected outcome, reported as a value, never an error.
type Result struct {
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// binding is what the store holds for a live token.
type binding struct {
	CampaignID string `json:"campaign_id"`
	SessionID  string `json:"session_id"`
	Address    string `json:"address"`
}

// Service issues and consumes challenge tokens against the shared TTL
// store.
type Service struct {
	store  kv.Store
	logger *slog.Logger

	// consumed counts consumption attempts per outcome; optional.
	consumed *prometheus.CounterVec
}

// NewService constructs a Service.
func NewService(store kv.Store, logger *slog.Logger, consumed *prometheus.CounterVec) *Service {
	return &Service{store: store, logger: logger, consumed: consumed}
}

func tokenKey(token string) string {
	return "challenge:" + token
}

// Issue creates a token bound to the campaign, session and requesting
// address, valid for ttl. Issuance failures are real errors: without a
// stored binding the token is worthless, so there is nothing to fail open
// to.
func (s *Service) Issue(ctx context.Context, campaignID, sessionID, address string, ttl time.Duration) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	value := hex.EncodeToString(raw)

	payload, err := json.Marshal(binding{
		CampaignID: campaignID,
		SessionID:  sessionID,
		Address:    address,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Set(ctx, tokenKey(value), string(payload), ttl); err != nil {
		return nil, err
	}

	return &Token{Value: value, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Consume redeems a token exactly once. The read and the delete are one
// atomic step, so a replayed token observes the key already gone even when
// the attempts race within the original TTL.
//
// A token presented with the wrong session is rejected and stays burned:
// the atomic delete already happened, and un-deleting a token that just
// failed a binding check would reopen the replay window it exists to close.
// Store outage rejects too; tokens gate discount issuance, so this path
// fails closed.
func (s *Service) Consume(ctx context.Context, token, sessionID string) Result {
	raw, err := s.store.GetDel(ctx, tokenKey(token))
	if errors.Is(err, kv.ErrNotFound) {
		return s.outcome(Result{Valid: false, Reason: ReasonUnknownOrUsed})
	}
	if err != nil {
		s.logger.Warn("challenge store unavailable, rejecting token", "error", err)
		return s.outcome(Result{Valid: false, Reason: ReasonStoreDown})
	}

	var b binding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		s.logger.Warn("corrupt challenge binding", "error", err)
		return s.outcome(Result{Valid: false, Reason: ReasonUnknownOrUsed})
	}

	if b.SessionID != sessionID {
		return s.outcome(Result{Valid: false, Reason: ReasonSessionMismatch})
	}

	return s.outcome(Result{
		Valid:      true,
		CampaignID: b.CampaignID,
		SessionID:  b.SessionID,
	})
}

func (s *Service) outcome(r Result) Result {
	if s.consumed != nil {
		label := "valid"
		if !r.Valid {
			label = r.Reason
		}
		s.consumed.WithLabelValues(label).Inc()
	}
	return r
}
