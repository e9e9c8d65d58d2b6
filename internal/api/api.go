package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/popfuse/popfuse/internal/catalog"
	"github.com/popfuse/popfuse/internal/challenge"
	"github.com/popfuse/popfuse/internal/config"
	"github.com/popfuse/popfuse/internal/decision"
	"github.com/popfuse/popfuse/internal/metrics"
	"github.com/popfuse/popfuse/internal/ratelimit"
)

// Server is the HTTP surface of the engine: the widget decision endpoints,
// the challenge/discount flow, and the admin catalog CRUD.
type Server struct {
	config    *config.Config
	catalog   *catalog.Store
	filter    *decision.Filter
	frequency *decision.FrequencyEvaluator
	limiter   *ratelimit.Limiter
	challenge *challenge.Service
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	jwtSecret []byte
}

// New creates a new API server
func New(cfg *config.Config, cat *catalog.Store, filter *decision.Filter, frequency *decision.FrequencyEvaluator,
	limiter *ratelimit.Limiter, tokens *challenge.Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		config:    cfg,
		catalog:   cat,
		filter:    filter,
		frequency: frequency,
		limiter:   limiter,
		challenge: tokens,
		metrics:   m,
		logger:    logger,
		jwtSecret: []byte(cfg.Auth.JWTSecret),
	}
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Widget-facing routes
	mux.HandleFunc("/api/v1/decide", s.handleDecide)
	mux.HandleFunc("/api/v1/displays", s.handleDisplay)
	mux.HandleFunc("/api/v1/challenge", s.handleChallenge)
	mux.HandleFunc("/api/v1/discounts", s.handleDiscount)

	// Admin routes
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/api/v1/campaigns", s.authMiddleware(s.handleCampaigns))
	mux.HandleFunc("/api/v1/campaigns/", s.authMiddleware(s.handleCampaign))
	mux.HandleFunc("/api/v1/experiments", s.authMiddleware(s.handleExperiments))
	mux.HandleFunc("/api/v1/experiments/", s.authMiddleware(s.handleExperiment))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.timingMiddleware(mux)),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	return s.server.ListenAndServe()
}

// Shutdown stops the server, letting in-flight requests finish within a
// short deadline.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Check API key first
		apiKey := r.Header.Get("X-API-Key")
		if apiKey != "" {
			user, err := s.catalog.GetUserByAPIKey(apiKey)
			if err == nil {
				r.Header.Set("X-User-ID", user.ID)
				next(w, r)
				return
			}
		}

		// Check JWT token
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.jwtSecret, nil
		})

		if err != nil || !token.Valid {
			s.jsonError(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.jsonError(w, "Invalid token claims", http.StatusUnauthorized)
			return
		}

		userID, _ := claims["user_id"].(string)
		r.Header.Set("X-User-ID", userID)
		next(w, r)
	}
}

// Widget handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"popfuse"}`))
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StoreID    string                  `json:"store_id"`
		Visitor    decision.VisitorContext `json:"visitor"`
		MaxResults int                     `json:"max_results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.StoreID == "" {
		s.jsonError(w, "store_id is required", http.StatusBadRequest)
		return
	}

	// Cosmetic path: the limiter fails open when the store is degraded.
	if dec := s.rateLimit(r, "decide", req.Visitor.VisitorID); !dec.Allowed {
		s.rateLimited(w, dec)
		return
	}

	candidates, err := s.catalog.ActiveCampaignsByStore(req.StoreID)
	if err != nil {
		s.logger.Error("failed to load candidate campaigns", "store", req.StoreID, "error", err)
		s.jsonError(w, "Failed to load campaigns", http.StatusInternalServerError)
		return
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = s.config.Engine.MaxResults
	}

	eligible, err := s.filter.SelectEligible(r.Context(), candidates, &req.Visitor, maxResults)
	if err != nil {
		if errors.Is(err, decision.ErrValidation) {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("decision failed", "store", req.StoreID, "error", err)
		s.jsonError(w, "Decision failed", http.StatusInternalServerError)
		return
	}

	s.metrics.Decisions.WithLabelValues(req.StoreID).Inc()
	s.jsonResponse(w, map[string]interface{}{"campaigns": eligible})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID string                  `json:"campaign_id"`
		Visitor    decision.VisitorContext `json:"visitor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := req.Visitor.Validate(); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	campaign, err := s.catalog.GetCampaign(req.CampaignID)
	if err != nil {
		s.jsonError(w, "Campaign not found", http.StatusNotFound)
		return
	}

	s.frequency.Acknowledge(r.Context(), campaign, &req.Visitor)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID string `json:"campaign_id"`
		SessionID  string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" || req.SessionID == "" {
		s.jsonError(w, "campaign_id and session_id are required", http.StatusBadRequest)
		return
	}

	addr := clientIP(r)

	// Token issuance guards discount harvesting, so this limit fails
	// closed on a store outage.
	if dec := s.rateLimit(r, "challenge_issue", addr); !dec.Allowed {
		s.rateLimited(w, dec)
		return
	}

	if _, err := s.catalog.GetCampaign(req.CampaignID); err != nil {
		s.jsonError(w, "Campaign not found", http.StatusNotFound)
		return
	}

	ttl := time.Duration(s.config.Challenge.TTLMinutes) * time.Minute
	token, err := s.challenge.Issue(r.Context(), req.CampaignID, req.SessionID, addr, ttl)
	if err != nil {
		s.logger.Error("failed to issue challenge token", "campaign", req.CampaignID, "error", err)
		s.jsonError(w, "Failed to issue token", http.StatusServiceUnavailable)
		return
	}

	s.jsonResponse(w, token)
}

func (s *Server) handleDiscount(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if dec := s.rateLimit(r, "discount_redeem", clientIP(r)); !dec.Allowed {
		s.rateLimited(w, dec)
		return
	}

	result := s.challenge.Consume(r.Context(), req.Token, req.SessionID)
	if !result.Valid {
		s.jsonStatus(w, http.StatusForbidden, map[string]interface{}{
			"valid":  false,
			"reason": result.Reason,
		})
		return
	}

	// Discount creation on the commerce platform is an external
	// collaborator; the engine's contract ends at producing the code.
	code := "POP-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
	s.jsonResponse(w, map[string]interface{}{
		"valid":       true,
		"campaign_id": result.CampaignID,
		"code":        code,
	})
}

// rateLimit applies the configured policy for an action, falling back to a
// permissive default when the action has no configuration.
func (s *Server) rateLimit(r *http.Request, action, actor string) ratelimit.Decision {
	rule, ok := s.config.RateLimit[action]
	if !ok {
		return ratelimit.Decision{Allowed: true}
	}
	if actor == "" {
		actor = clientIP(r)
	}
	return s.limiter.Check(r.Context(), actor, action, ratelimit.Policy{
		Limit:    rule.Limit,
		Window:   time.Duration(rule.WindowSeconds) * time.Second,
		FailOpen: rule.FailOpen,
	})
}

func (s *Server) rateLimited(w http.ResponseWriter, dec ratelimit.Decision) {
	retryAfter := time.Until(dec.ResetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	s.jsonStatus(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":    "Rate limit exceeded",
		"reset_at": dec.ResetAt,
	})
}

// clientIP extracts the requesting address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Helpers

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.jsonStatus(w, code, map[string]string{"error": message})
}
