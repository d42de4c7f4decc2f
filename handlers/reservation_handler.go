package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"concert-ticketing/services"
)

type ReservationHandler struct {
	reservations *services.ReservationService
}

func NewReservationHandler(reservations *services.ReservationService) *ReservationHandler {
	return &ReservationHandler{reservations: reservations}
}

func (h *ReservationHandler) Hold(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req struct {
		ScheduleID  int64   `json:"schedule_id"`
		SeatIDs     []int64 `json:"seat_ids"`
		TotalAmount int64   `json:"total_amount"`
		RequestID   string  `json:"request_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	reservation, err := h.reservations.Hold(c.Request().Context(), services.HoldRequest{
		UserID:      userID,
		ScheduleID:  req.ScheduleID,
		SeatIDs:     req.SeatIDs,
		TotalAmount: req.TotalAmount,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, reservation)
}

func (h *ReservationHandler) Get(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(c.PathParam("reservationId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid reservation id")
	}

	reservation, err := h.reservations.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if reservation.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "reservation not found")
	}
	return c.JSON(http.StatusOK, reservation)
}
