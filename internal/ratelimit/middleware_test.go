package ratelimit

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "success")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerSecond != 2 {
		t.Errorf("RequestsPerSecond = %f, want 2", cfg.RequestsPerSecond)
	}
	if cfg.Burst != 5 {
		t.Errorf("Burst = %d, want 5", cfg.Burst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestStore_GetLimiter(t *testing.T) {
	store := NewStore(Config{RequestsPerSecond: 10, Burst: 20, CleanupInterval: time.Hour})
	defer store.Close()

	limiter1 := store.getLimiter("key1")
	if limiter1 == nil {
		t.Fatal("expected limiter to be created")
	}
	if limiter2 := store.getLimiter("key1"); limiter1 != limiter2 {
		t.Error("expected same limiter to be returned")
	}
	if limiter3 := store.getLimiter("key2"); limiter1 == limiter3 {
		t.Error("expected different limiter for different key")
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 limiters, got %d", store.Len())
	}
}

func TestStore_Evict(t *testing.T) {
	store := NewStore(Config{RequestsPerSecond: 10, Burst: 20, CleanupInterval: time.Hour})
	defer store.Close()

	store.getLimiter("old")
	store.mu.Lock()
	store.limiters["old"].lastSeen = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()
	store.getLimiter("fresh")

	store.evict(time.Now().Add(-time.Hour))

	if store.Len() != 1 {
		t.Fatalf("expected only the fresh limiter to survive, got %d", store.Len())
	}
	store.mu.Lock()
	_, ok := store.limiters["fresh"]
	store.mu.Unlock()
	if !ok {
		t.Error("fresh limiter was evicted")
	}
}

func TestMiddleware_BlocksExcessiveRequests(t *testing.T) {
	store := NewStore(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Hour})
	defer store.Close()

	e := echo.New()
	handler := Middleware(store)(okHandler)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/realtime", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := handler(c)
		if i == 0 {
			if err != nil {
				t.Fatalf("first request should succeed, got %v", err)
			}
			continue
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
			t.Errorf("request %d: expected 429, got %v", i+1, err)
		}
	}
}

func TestMiddleware_SeparatesClients(t *testing.T) {
	store := NewStore(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Hour})
	defer store.Close()

	e := echo.New()
	handler := Middleware(store)(okHandler)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodPost, "/realtime", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := handler(c); err != nil {
			t.Errorf("%s: unexpected error %v", ip, err)
		}
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	store := NewStore(Config{})
	defer store.Close()

	e := echo.New()
	handler := Middleware(store)(okHandler)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/realtime", nil)
		rec := httptest.NewRecorder()
		if err := handler(e.NewContext(req, rec)); err != nil {
			t.Fatalf("disabled limiter rejected request %d: %v", i+1, err)
		}
	}
	if store.Len() != 0 {
		t.Error("disabled limiter should not track clients")
	}
}
