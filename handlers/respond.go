package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"concert-ticketing/status"
)

// writeError maps a service error onto the HTTP surface. Internal
// classification signals never reach here except as part of a wrapped chain.
func writeError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, status.ErrValidation), errors.Is(err, status.ErrAmountMismatch):
		code = http.StatusBadRequest
	case errors.Is(err, status.ErrInsufficientBalance), errors.Is(err, status.ErrChargeLimitExceeded):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, status.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, status.ErrTokenExpired):
		code = http.StatusGone
	case errors.Is(err, status.ErrConflict), errors.Is(err, status.ErrDuplicateKey):
		code = http.StatusConflict
	case errors.Is(err, status.ErrCapacityUnavailable):
		code = http.StatusTooManyRequests
	case errors.Is(err, status.ErrOverloaded):
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

// requireUser reads the caller identity the gateway injects. Authentication
// itself lives upstream.
func requireUser(c echo.Context) (string, error) {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing X-User-ID header")
	}
	return userID, nil
}
