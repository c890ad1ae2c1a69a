package bootstrap

import (
	"log/slog"
	"os"

	"github.com/eleven-am/avatar-relay/internal/metrics"
	"github.com/eleven-am/avatar-relay/internal/turnlog"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	MetricsHandler *metrics.Handler
	TurnHandler    *turnlog.Handler
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")

	params.MetricsHandler.RegisterRoutes(api.Group("/metrics"))

	if params.TurnHandler != nil {
		params.TurnHandler.RegisterRoutes(api.Group("/turns"))
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideMetricsHandler(store *metrics.Store, logger *slog.Logger) *metrics.Handler {
	return metrics.NewHandler(store, logger.With("handler", "metrics"))
}

func ProvideTurnHandler(store *turnlog.Store, logger *slog.Logger) *turnlog.Handler {
	if store == nil {
		return nil
	}
	return turnlog.NewHandler(store, logger.With("handler", "turns"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideMetricsHandler,
		ProvideTurnHandler,
	),
	fx.Invoke(RegisterRoutes),
)
