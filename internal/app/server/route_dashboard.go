package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/config"
	"gatekeeper/internal/database"
	"gatekeeper/internal/domain"

	"github.com/charmbracelet/log"
)

const (
	manualBlockReason  = "Manually blocked"
	manualVerifyReason = "Manually verified"
)

type credentials struct {
	Password string `json:"password"`
}

type addressPage struct {
	Records  []domain.ReputationRecord `json:"records"`
	Total    int64                     `json:"total"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
}

func (s *Server) admin(handler http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, "Dashboard is disabled", http.StatusServiceUnavailable)
		})
	}
	return s.auth.RequireAdmin(handler)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, "Dashboard is disabled", http.StatusServiceUnavailable)
		return
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	token, err := s.auth.Login(creds.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		log.Error("Failed to issue admin token", "error", err)
		writeError(w, "Could not log in", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) dashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reputation.Stats(r.Context())
	if err != nil {
		log.Error("Failed to load dashboard stats", "error", err)
		writeError(w, "Could not load statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listAddresses(w http.ResponseWriter, r *http.Request) {
	status := domain.ReputationStatus(r.PathValue("status"))
	if !status.Valid() {
		writeError(w, "Unknown status", http.StatusBadRequest)
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, "Invalid page", http.StatusBadRequest)
			return
		}
		page = parsed
	}

	records, total, err := s.reputation.ListByStatus(r.Context(), status, page, database.DefaultReputationPageSize)
	if err != nil {
		log.Error("Failed to list addresses", "status", status, "error", err)
		writeError(w, "Could not load addresses", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []domain.ReputationRecord{}
	}

	writeJSON(w, http.StatusOK, addressPage{
		Records:  records,
		Total:    total,
		Page:     page,
		PageSize: database.DefaultReputationPageSize,
	})
}

func (s *Server) blockAddress(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, domain.StatusBlocked, manualBlockReason)
}

func (s *Server) unblockAddress(w http.ResponseWriter, r *http.Request) {
	// Unblocking keeps the original detection reason.
	s.changeStatus(w, r, domain.StatusSuspicious, "")
}

func (s *Server) verifyAddress(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, domain.StatusVerified, manualVerifyReason)
}

func (s *Server) changeStatus(w http.ResponseWriter, r *http.Request, status domain.ReputationStatus, reason string) {
	address := r.PathValue("address")
	if net.ParseIP(address) == nil {
		writeError(w, "Invalid address", http.StatusBadRequest)
		return
	}

	if err := s.reputation.SetStatus(r.Context(), address, status, reason, s.now()); err != nil {
		log.Error("Failed to change reputation status", "address", address, "status", status, "error", err)
		writeError(w, "Could not update address", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"address": address, "status": string(status)})
}

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := newConfig.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(newConfig); err != nil {
		log.Error("Settings applied with errors", "error", err)
		writeError(w, "Settings applied but could not be persisted", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, config.GetConfig())
}
