package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"crossarb/internal/detect"
	"crossarb/pkg/types"
)

// Status is the full /api/status document.
type Status struct {
	Uptime        string                 `json:"uptime"`
	Venues        []types.HealthSnapshot `json:"venues"`
	Symbols       []types.Symbol         `json:"tracked_symbols"`
	Opportunities []detect.Opportunity   `json:"recent_opportunities"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// Degraded reports whether any venue is not fully connected.
func (s Status) Degraded() bool {
	for _, v := range s.Venues {
		if v.Status != types.SessionConnected && v.Status != types.SessionAuthenticated {
			return true
		}
	}
	return false
}

// Handlers holds the HTTP endpoint implementations.
type Handlers struct {
	provider StatusProvider
	logger   *slog.Logger
}

// HandleHealth is the liveness probe. Degraded venues flip the body but
// not the HTTP code: the process is alive, the dashboard shows detail.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.provider.Status()
	body := map[string]any{
		"status": "ok",
		"uptime": status.Uptime,
	}
	if status.Degraded() {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleStatus renders the full status document.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.provider.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing to do but note it.
		slog.Default().Warn("encode status response", "error", err)
	}
}
