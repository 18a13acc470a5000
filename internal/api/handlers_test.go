package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"crossarb/pkg/types"
)

type stubProvider struct {
	status Status
}

func (s *stubProvider) Status() Status { return s.status }

func handlers(status Status) *Handlers {
	return &Handlers{
		provider: &stubProvider{status: status},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestHealthReportsOK(t *testing.T) {
	t.Parallel()
	h := handlers(Status{
		Uptime: "1m",
		Venues: []types.HealthSnapshot{
			{Venue: "edgex", Status: types.SessionAuthenticated},
		},
	})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	t.Parallel()
	h := handlers(Status{
		Venues: []types.HealthSnapshot{
			{Venue: "edgex", Status: types.SessionAuthenticated},
			{Venue: "lighter", Status: types.SessionDisconnected},
		},
	})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Liveness stays 200; degradation is in the body.
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestStatusDocument(t *testing.T) {
	t.Parallel()
	h := handlers(Status{
		Uptime:  "5m",
		Symbols: []types.Symbol{"BTC-USDC-PERP"},
		Venues: []types.HealthSnapshot{
			{Venue: "edgex", Status: types.SessionConnected, ReconnectCount: 2},
		},
	})

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Uptime != "5m" || len(got.Venues) != 1 || got.Venues[0].ReconnectCount != 2 {
		t.Errorf("status = %+v", got)
	}

	rec = httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d, want 405", rec.Code)
	}
}
