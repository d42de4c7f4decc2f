package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"concert-ticketing/services"
)

type QueueHandler struct {
	queue *services.QueueService
}

func NewQueueHandler(queue *services.QueueService) *QueueHandler {
	return &QueueHandler{queue: queue}
}

func (h *QueueHandler) Join(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req struct {
		TargetID  int64  `json:"target_id"`
		RequestID string `json:"request_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TargetID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "target_id is required")
	}

	token, err := h.queue.Issue(c.Request().Context(), req.TargetID, userID, req.RequestID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, token)
}

func (h *QueueHandler) Status(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}

	tok, err := h.queue.Status(c.Request().Context(), token)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, tok)
}

func (h *QueueHandler) Leave(c echo.Context) error {
	token := c.PathParam("token")
	if err := h.queue.Leave(c.Request().Context(), token); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RequireEntered gates transactional routes behind an admitted queue token.
// The token travels in X-Queue-Token and must belong to the calling user.
func (h *QueueHandler) RequireEntered() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := requireUser(c)
			if err != nil {
				return err
			}
			token := c.Request().Header.Get("X-Queue-Token")
			if token == "" {
				return echo.NewHTTPError(http.StatusForbidden, "missing X-Queue-Token header")
			}
			tok, err := h.queue.Validate(c.Request().Context(), token)
			if err != nil {
				return writeError(c, err)
			}
			if tok.UserID != userID {
				return echo.NewHTTPError(http.StatusForbidden, "queue token belongs to another user")
			}
			return next(c)
		}
	}
}
