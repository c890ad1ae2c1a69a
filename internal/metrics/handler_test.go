package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type mockReader struct {
	metrics   []*Metrics
	err       error
	lastHours int
}

func (m *mockReader) GetMetrics(_ context.Context, hours int) ([]*Metrics, error) {
	m.lastHours = hours
	return m.metrics, m.err
}

func (m *mockReader) GetMetricsForLast7Days(ctx context.Context) ([]*Metrics, error) {
	return m.GetMetrics(ctx, maxHours)
}

func newTestHandler(reader Reader) *Handler {
	return NewHandler(reader, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := newTestHandler(&mockReader{})
	e := echo.New()
	h.RegisterRoutes(e.Group("/v1/metrics"))

	paths := make(map[string]bool)
	for _, r := range e.Routes() {
		paths[r.Path] = true
	}
	for _, p := range []string{"/v1/metrics", "/v1/metrics/summary"} {
		if !paths[p] {
			t.Errorf("expected route %s to be registered", p)
		}
	}
}

func TestHandler_GetMetrics(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantHours int
	}{
		{"default", "", defaultHours},
		{"explicit", "?hours=6", 6},
		{"too large", "?hours=1000", defaultHours},
		{"not a number", "?hours=abc", defaultHours},
		{"zero", "?hours=0", defaultHours},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &mockReader{metrics: []*Metrics{{Date: "2026-03-14", Hour: 3, Turns: 2}}}
			h := newTestHandler(reader)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/v1/metrics"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.GetMetrics(c); err != nil {
				t.Fatalf("GetMetrics error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if reader.lastHours != tt.wantHours {
				t.Errorf("expected %d hours requested, got %d", tt.wantHours, reader.lastHours)
			}

			var resp ListResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Hours != tt.wantHours || len(resp.Metrics) != 1 || resp.Metrics[0].Turns != 2 {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestHandler_GetMetricsEmpty(t *testing.T) {
	h := newTestHandler(&mockReader{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetMetrics(c); err != nil {
		t.Fatalf("GetMetrics error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body["metrics"].([]any); !ok {
		t.Errorf("expected an empty list, got %v", body["metrics"])
	}
}

func TestHandler_GetMetricsStoreError(t *testing.T) {
	h := newTestHandler(&mockReader{err: errors.New("redis down")})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.GetMetrics(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 http error, got %v", err)
	}
}

func TestHandler_GetSummary(t *testing.T) {
	reader := &mockReader{metrics: []*Metrics{
		{Turns: 2, Completed: 1, Failed: 1},
		{Turns: 2, Completed: 2},
	}}
	h := newTestHandler(reader)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/summary", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetSummary(c); err != nil {
		t.Fatalf("GetSummary error: %v", err)
	}
	if reader.lastHours != maxHours {
		t.Errorf("expected a 7 day window, got %d hours", reader.lastHours)
	}

	var s Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if s.Period != "7d" || s.TotalTurns != 4 || s.FailureRate != 25 {
		t.Errorf("unexpected summary %+v", s)
	}
}
