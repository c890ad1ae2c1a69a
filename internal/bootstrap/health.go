package bootstrap

import (
	"github.com/eleven-am/avatar-relay/internal/health"
	"github.com/eleven-am/avatar-relay/internal/metrics"
	"github.com/eleven-am/avatar-relay/internal/relay"
	"github.com/eleven-am/avatar-relay/internal/turnlog"
	"github.com/eleven-am/avatar-relay/internal/upstream"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(
	cfg *Config,
	metricsStore *metrics.Store,
	turnStore *turnlog.Store,
	mgr *upstream.Manager,
	relayHandler *relay.Handler,
) *health.Handler {
	hc := health.HandlerConfig{
		Redis:              metricsStore,
		Upstream:           mgr,
		UpstreamConfigured: cfg.OpenAIAPIKey != "",
		Sessions:           relayHandler,
		Version:            version,
	}
	if turnStore != nil {
		hc.Database = turnStore
	}
	return health.NewHandler(hc)
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
