package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/popfuse/popfuse/internal/catalog"
)

// Admin handlers: login plus catalog CRUD. The admin UI itself lives
// elsewhere; this is only the API it talks to.

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.catalog.GetUserByUsername(req.Username)
	if err != nil {
		s.jsonError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.jsonError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(s.config.Auth.TokenExpiry).Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.jsonError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, map[string]interface{}{
		"token":   tokenString,
		"user":    user,
		"api_key": user.APIKey,
	})
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		campaigns, err := s.catalog.ListCampaigns(r.URL.Query().Get("store_id"))
		if err != nil {
			s.jsonError(w, "Failed to list campaigns", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, campaigns)

	case "POST":
		var campaign catalog.Campaign
		if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
			s.jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}

		if campaign.Name == "" || campaign.StoreID == "" {
			s.jsonError(w, "Name and store_id are required", http.StatusBadRequest)
			return
		}

		if err := s.catalog.CreateCampaign(&campaign); err != nil {
			s.catalogError(w, err, "Failed to create campaign")
			return
		}

		s.jsonResponse(w, campaign)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/campaigns/")
	if id == "" {
		s.jsonError(w, "Campaign ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case "GET":
		campaign, err := s.catalog.GetCampaign(id)
		if err != nil {
			s.jsonError(w, "Campaign not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, campaign)

	case "PUT":
		var campaign catalog.Campaign
		if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
			s.jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}
		campaign.ID = id

		if err := s.catalog.UpdateCampaign(&campaign); err != nil {
			s.catalogError(w, err, "Failed to update campaign")
			return
		}
		s.jsonResponse(w, campaign)

	case "DELETE":
		if err := s.catalog.DeleteCampaign(id); err != nil {
			s.catalogError(w, err, "Failed to delete campaign")
			return
		}
		s.jsonResponse(w, map[string]bool{"success": true})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		experiments, err := s.catalog.ListExperiments(r.URL.Query().Get("store_id"))
		if err != nil {
			s.jsonError(w, "Failed to list experiments", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, experiments)

	case "POST":
		var experiment catalog.Experiment
		if err := json.NewDecoder(r.Body).Decode(&experiment); err != nil {
			s.jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}

		if experiment.Name == "" || experiment.StoreID == "" {
			s.jsonError(w, "Name and store_id are required", http.StatusBadRequest)
			return
		}

		if err := s.catalog.CreateExperiment(&experiment); err != nil {
			s.catalogError(w, err, "Failed to create experiment")
			return
		}

		s.jsonResponse(w, experiment)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/experiments/")
	if id == "" {
		s.jsonError(w, "Experiment ID required", http.StatusBadRequest)
		return
	}

	// Status transitions ride on the sub-path: PUT /experiments/{id}/status
	if strings.HasSuffix(id, "/status") {
		s.handleExperimentStatus(w, r, strings.TrimSuffix(id, "/status"))
		return
	}

	switch r.Method {
	case "GET":
		experiment, err := s.catalog.GetExperiment(id)
		if err != nil {
			s.jsonError(w, "Experiment not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, experiment)

	case "DELETE":
		if err := s.catalog.DeleteExperiment(id); err != nil {
			s.catalogError(w, err, "Failed to delete experiment")
			return
		}
		s.jsonResponse(w, map[string]bool{"success": true})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExperimentStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != "PUT" {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.catalog.UpdateExperimentStatus(id, req.Status); err != nil {
		s.catalogError(w, err, "Failed to update experiment status")
		return
	}
	s.jsonResponse(w, map[string]bool{"success": true})
}

// catalogError maps catalog sentinel errors to their status codes.
func (s *Server) catalogError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrValidation):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("catalog operation failed", "error", err)
		s.jsonError(w, fallback, http.StatusInternalServerError)
	}
}
