package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/avatar-relay/internal/relay"
	"github.com/eleven-am/avatar-relay/internal/upstream"
	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type UpstreamState interface {
	State() upstream.State
}

type SessionReporter interface {
	ActiveSession() (string, relay.State, bool)
}

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type RelayStats struct {
	UpstreamState string `json:"upstream_state"`
	ActiveSession bool   `json:"active_session"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Relay    RelayStats   `json:"relay"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionResponse struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
}

type componentCheck struct {
	name  string
	check func(context.Context) ComponentStatus
}

type HandlerConfig struct {
	// Database is nil when the turn log is disabled.
	Database           Pinger
	Redis              Pinger
	Upstream           UpstreamState
	UpstreamConfigured bool
	Sessions           SessionReporter
	Version            string
}

type Handler struct {
	db                 Pinger
	redis              Pinger
	upstream           UpstreamState
	upstreamConfigured bool
	sessions           SessionReporter
	version            string
	startTime          time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		db:                 cfg.Database,
		redis:              cfg.Redis,
		upstream:           cfg.Upstream,
		upstreamConfigured: cfg.UpstreamConfigured,
		sessions:           cfg.Sessions,
		version:            cfg.Version,
		startTime:          time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/session", h.Session)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []componentCheck{
		{"redis", h.checkRedis},
		{"upstream", h.checkUpstream},
	}
	if h.db != nil {
		checks = append(checks, componentCheck{"database", h.checkDatabase})
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	overallStatus := h.computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	_, _, active := h.activeSession()

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Relay: RelayStats{
				UpstreamState: h.upstreamState(),
				ActiveSession: active,
			},
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) Session(c echo.Context) error {
	id, state, ok := h.activeSession()
	if !ok {
		return c.JSON(http.StatusOK, SessionResponse{Active: false})
	}
	return c.JSON(http.StatusOK, SessionResponse{
		Active:    true,
		SessionID: id,
		State:     state.String(),
	})
}

func (h *Handler) activeSession() (string, relay.State, bool) {
	if h.sessions == nil {
		return "", 0, false
	}
	return h.sessions.ActiveSession()
}

func (h *Handler) upstreamState() string {
	if h.upstream == nil {
		return upstream.StateClosed.String()
	}
	return h.upstream.State().String()
}

func (h *Handler) checkDatabase(ctx context.Context) ComponentStatus {
	return ping(ctx, h.db, "database not configured")
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	return ping(ctx, h.redis, "redis not configured")
}

// checkUpstream reports configuration only. The connection is dialled on
// demand, so a closed connection is normal between turns.
func (h *Handler) checkUpstream(_ context.Context) ComponentStatus {
	start := time.Now()
	if !h.upstreamConfigured {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "upstream credential not configured",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    h.upstreamState(),
	}
}

func ping(ctx context.Context, p Pinger, missing string) ComponentStatus {
	start := time.Now()
	if p == nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     missing,
		}
	}

	if err := p.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (h *Handler) computeOverallStatus(components map[string]ComponentStatus) Status {
	criticalComponents := []string{"database", "redis"}

	for _, name := range criticalComponents {
		if status, ok := components[name]; ok && status.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}

	for _, status := range components {
		if status.Status == StatusUnhealthy || status.Status == StatusDegraded {
			return StatusDegraded
		}
	}

	return StatusHealthy
}
