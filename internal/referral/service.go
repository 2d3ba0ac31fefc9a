package referral

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradenet/referral-engine/internal/events"
	"github.com/tradenet/referral-engine/internal/metrics"
	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

// Service exposes the registration and team-reporting HTTP handlers.
type Service struct {
	store store.Store
	graph *Graph
	stats *StatsAggregator
	hub   *events.Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a referral service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, graph *Graph, stats *StatsAggregator, hub *events.Hub) *Service {
	return &Service{
		store: st,
		graph: graph,
		stats: stats,
		hub:   hub,
	}
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for member registration.
type RegisterRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	UserType     string `json:"user_type"`     // "agent" or "trader"
	ReferralCode string `json:"referral_code"` // sponsor's username; empty = root member
}

// TeamMember is one row of the team report.
type TeamMember struct {
	MemberID      string `json:"member_id"`
	Username      string `json:"username"`
	UserType      string `json:"user_type"`
	Level         int    `json:"level"`
	WalletBalance string `json:"wallet_balance"`
	TradingVolume string `json:"trading_volume"`
	JoinedAt      string `json:"joined_at"`
}

// TeamReport is the JSON body returned from the team endpoint.
type TeamReport struct {
	MemberID            string               `json:"member_id"`
	DirectReferralCount int                  `json:"direct_referral_count"`
	TotalDownlineCount  int                  `json:"total_downline_count"`
	Stats               *model.DownlineStats `json:"stats"`
	Members             []TeamMember         `json:"members"`
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/members
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}
	if req.UserType != model.UserTypeAgent && req.UserType != model.UserTypeTrader {
		writeError(w, "user_type must be agent or trader", http.StatusBadRequest)
		return
	}

	member := &model.Member{
		ID:             uuid.New().String(),
		Username:       req.Username,
		Email:          req.Email,
		UserType:       req.UserType,
		UnlockedLevels: []int{1},
		CreatedAt:      s.graph.clock.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.graph.Register(ctx, member, req.ReferralCode); err != nil {
		switch {
		case errors.Is(err, ErrSponsorNotFound):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrDuplicateMember):
			writeError(w, "username already taken", http.StatusConflict)
		default:
			writeError(w, "registration failed", http.StatusInternalServerError)
		}
		return
	}

	metrics.MembersRegistered.WithLabelValues(member.UserType).Inc()
	slog.Info("member registered",
		"id", member.ID,
		"username", member.Username,
		"user_type", member.UserType,
		"sponsor", member.ReferredBy,
	)

	if s.hub != nil {
		s.hub.Broadcast(events.Message{
			Type:      events.TypeMemberRegistered,
			MemberID:  member.ID,
			Username:  member.Username,
			SponsorID: member.ReferredBy,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(member)
}

// GetMember handles GET /api/v1/members/{memberID}
func (s *Service) GetMember(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	member, err := s.store.GetMember(r.Context(), memberID)
	if err != nil {
		writeError(w, "member not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(member)
}

// GetTeam handles GET /api/v1/members/{memberID}/team
// Returns the flattened downline, optionally filtered by ?level=N.
func (s *Service) GetTeam(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	ctx := r.Context()

	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		writeError(w, "member not found", http.StatusNotFound)
		return
	}

	level := 0
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, err = strconv.Atoi(raw)
		if err != nil || level < 0 {
			writeError(w, "level must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	entries, err := s.graph.Downline(ctx, memberID, level)
	if err != nil {
		writeError(w, "failed to load downline", http.StatusInternalServerError)
		return
	}

	report := TeamReport{
		MemberID:            memberID,
		DirectReferralCount: member.DirectReferralCount,
		TotalDownlineCount:  member.TotalDownlineCount,
		Stats:               &member.Stats,
		Members:             []TeamMember{},
	}

	for _, e := range entries {
		descendant, err := s.store.GetMember(ctx, e.MemberID)
		if err != nil {
			continue
		}
		report.Members = append(report.Members, TeamMember{
			MemberID:      descendant.ID,
			Username:      descendant.Username,
			UserType:      descendant.UserType,
			Level:         e.Level,
			WalletBalance: descendant.WalletBalance.String(),
			TradingVolume: descendant.TradingVolume.String(),
			JoinedAt:      descendant.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// RecomputeStats handles POST /api/v1/members/{memberID}/stats/recompute
func (s *Service) RecomputeStats(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	stats, err := s.stats.Recompute(r.Context(), memberID)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			writeError(w, "member not found", http.StatusNotFound)
			return
		}
		writeError(w, "stats recompute failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// ListMembers handles GET /api/v1/members
func (s *Service) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListMembers(r.Context())
	if err != nil {
		writeError(w, "failed to list members", http.StatusInternalServerError)
		return
	}
	if members == nil {
		members = []model.Member{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(members)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
