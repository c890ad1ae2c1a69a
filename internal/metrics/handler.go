package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/avatar-relay/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	defaultHours = 24
	maxHours     = 7 * 24
)

type Reader interface {
	GetMetrics(ctx context.Context, hours int) ([]*Metrics, error)
	GetMetricsForLast7Days(ctx context.Context) ([]*Metrics, error)
}

type Handler struct {
	store  Reader
	logger *slog.Logger
}

func NewHandler(store Reader, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.GetMetrics)
	g.GET("/summary", h.GetSummary)
}

func (h *Handler) GetMetrics(c echo.Context) error {
	hours := defaultHours
	if hoursStr := c.QueryParam("hours"); hoursStr != "" {
		if hr, err := strconv.Atoi(hoursStr); err == nil && hr > 0 && hr <= maxHours {
			hours = hr
		}
	}

	metrics, err := h.store.GetMetrics(c.Request().Context(), hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err)
		return shared.ServiceUnavailable("metrics_unavailable", "metrics store unavailable")
	}
	if metrics == nil {
		metrics = []*Metrics{}
	}

	return c.JSON(http.StatusOK, ListResponse{
		Hours:   hours,
		Metrics: metrics,
	})
}

func (h *Handler) GetSummary(c echo.Context) error {
	metrics, err := h.store.GetMetricsForLast7Days(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to get metrics summary", "error", err)
		return shared.ServiceUnavailable("metrics_unavailable", "metrics store unavailable")
	}

	return c.JSON(http.StatusOK, Summarize("7d", metrics))
}
