package turnlog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/avatar-relay/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Reader interface {
	GetByID(ctx context.Context, id string) (*Turn, error)
	Recent(ctx context.Context, limit int, status string) ([]*Turn, error)
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
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

func (h *Handler) List(c echo.Context) error {
	limit := defaultLimit
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			return shared.NewAPIError("invalid_limit", "limit must be a positive integer").
				WithDetails(map[string]int{"max": maxLimit}).
				ToHTTP(http.StatusBadRequest)
		}
		limit = min(n, maxLimit)
	}

	turns, err := h.store.Recent(c.Request().Context(), limit, c.QueryParam("status"))
	if err != nil {
		h.logger.Error("failed to list turns", "error", err)
		return shared.InternalError("list_failed", "failed to list turns")
	}
	if turns == nil {
		turns = []*Turn{}
	}

	return c.JSON(http.StatusOK, ListResponse{Turns: turns, Limit: limit})
}

func (h *Handler) Get(c echo.Context) error {
	id := c.Param("id")

	turn, err := h.store.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("turn_not_found", "turn not found")
		}
		h.logger.Error("failed to get turn", "error", err, "turn_id", id)
		return shared.InternalError("get_failed", "failed to get turn")
	}

	return c.JSON(http.StatusOK, turn)
}
