package distribution

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RunAllHandler handles POST /api/v1/distribution/run
// Syncs every linked trader; ?force=true bypasses the daily cadence.
func (e *Engine) RunAllHandler(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	summary, err := e.RunAll(r.Context(), force)
	if err != nil {
		writeError(w, "distribution batch failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// RunOneHandler handles POST /api/v1/distribution/run/{memberID}
func (e *Engine) RunOneHandler(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	force := r.URL.Query().Get("force") == "true"

	res := e.RunOne(r.Context(), memberID, force)

	status := http.StatusOK
	if res.State == StateFailed {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
