package milestone

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradenet/referral-engine/internal/store"
)

// GetProgress handles GET /api/v1/members/{memberID}/milestones
func (t *Tracker) GetProgress(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	progress, err := t.Progress(r.Context(), memberID)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			writeError(w, "member not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load milestone progress", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(progress)
}

// SyncLevels handles POST /api/v1/members/{memberID}/milestones/sync
func (t *Tracker) SyncLevels(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	levels, err := t.Sync(r.Context(), memberID)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			writeError(w, "member not found", http.StatusNotFound)
			return
		}
		writeError(w, "milestone sync failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]int{"unlocked_levels": levels})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
