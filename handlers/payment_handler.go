package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"concert-ticketing/services"
)

type PaymentHandler struct {
	payments *services.PaymentService
}

func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) Pay(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req struct {
		ReservationID int64  `json:"reservation_id"`
		RequestID     string `json:"request_id"`
		Amount        int64  `json:"amount"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	payment, err := h.payments.Pay(c.Request().Context(), services.PayRequest{
		UserID:        userID,
		ReservationID: req.ReservationID,
		RequestID:     req.RequestID,
		Amount:        req.Amount,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, payment)
}

func (h *PaymentHandler) Get(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(c.PathParam("paymentId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payment id")
	}

	payment, err := h.payments.GetPayment(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if payment.UserID != userID {
		// Do not reveal other users' payments.
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) List(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	payments, err := h.payments.ListPayments(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"payments": payments})
}
