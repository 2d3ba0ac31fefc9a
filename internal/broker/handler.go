package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradenet/referral-engine/internal/store"
)

// Service exposes the broker session lifecycle over HTTP.
type Service struct {
	store    store.Store
	sessions SessionSource
}

// NewService creates a broker session service.
func NewService(st store.Store, sessions SessionSource) *Service {
	return &Service{store: st, sessions: sessions}
}

// LinkRequest is the JSON body for linking a broker account.
type LinkRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

// Link handles POST /api/v1/members/{memberID}/broker/link
// Authenticates against the broker and stores the session tokens.
func (s *Service) Link(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" || req.Password == "" {
		writeError(w, "account and password are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		writeError(w, "member not found", http.StatusNotFound)
		return
	}

	session, err := s.sessions.Login(ctx, req.Account, req.Password)
	if err != nil {
		writeError(w, "broker login failed", http.StatusBadGateway)
		return
	}

	if err := s.store.SetBrokerSession(ctx, memberID, session); err != nil {
		writeError(w, "failed to store broker session", http.StatusInternalServerError)
		return
	}

	slog.Info("broker account linked", "member_id", memberID)
	w.WriteHeader(http.StatusNoContent)
}

// RefreshSession handles POST /api/v1/members/{memberID}/broker/refresh
func (s *Service) RefreshSession(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	ctx := r.Context()

	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		writeError(w, "member not found", http.StatusNotFound)
		return
	}
	if !member.BrokerLinked() {
		writeError(w, "no broker session to refresh", http.StatusConflict)
		return
	}

	session, err := s.sessions.Refresh(ctx, member.Broker)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			writeError(w, "refresh token expired, relink required", http.StatusUnauthorized)
			return
		}
		writeError(w, "broker refresh failed", http.StatusBadGateway)
		return
	}

	if err := s.store.SetBrokerSession(ctx, memberID, session); err != nil {
		writeError(w, "failed to store broker session", http.StatusInternalServerError)
		return
	}

	slog.Info("broker session refreshed", "member_id", memberID)
	w.WriteHeader(http.StatusNoContent)
}

// Unlink handles DELETE /api/v1/members/{memberID}/broker
func (s *Service) Unlink(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	if err := s.store.SetBrokerSession(r.Context(), memberID, nil); err != nil {
		writeError(w, "member not found", http.StatusNotFound)
		return
	}

	slog.Info("broker account unlinked", "member_id", memberID)
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
