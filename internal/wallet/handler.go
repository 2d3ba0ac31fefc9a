package wallet

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradenet/referral-engine/internal/model"
)

// GetHistory handles GET /api/v1/members/{memberID}/ledger
func (l *Ledger) GetHistory(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	entries, err := l.History(r.Context(), memberID)
	if err != nil {
		writeError(w, "failed to load ledger history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetSystemAccount handles GET /api/v1/system/account
// Returns the system account with its commission balance.
func (l *Ledger) GetSystemAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := l.store.SystemAccount(r.Context())
	if err != nil {
		writeError(w, "failed to load system account", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
