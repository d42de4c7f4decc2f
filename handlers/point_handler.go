package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"concert-ticketing/services"
)

type PointHandler struct {
	points *services.PointService
}

func NewPointHandler(points *services.PointService) *PointHandler {
	return &PointHandler{points: points}
}

func (h *PointHandler) Charge(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req struct {
		RequestID string `json:"request_id"`
		Amount    int64  `json:"amount"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.points.Charge(c.Request().Context(), userID, req.RequestID, req.Amount)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *PointHandler) Balance(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	result, err := h.points.Balance(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *PointHandler) History(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	history, err := h.points.History(c.Request().Context(), userID, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}
