package handlers

import (
	"github.com/labstack/echo/v5"

	"concert-ticketing/security"
)

// Register wires the HTTP surface. Transactional routes sit behind the queue
// admission gate; joining the queue sits behind the rate limiter.
func Register(e *echo.Echo, queue *QueueHandler, payments *PaymentHandler, points *PointHandler, reservations *ReservationHandler, limiter *security.RateLimiter) {
	api := e.Group("/api/v1")

	api.POST("/queues/tokens", queue.Join, limiter.Middleware())
	api.GET("/queues/status", queue.Status)
	api.DELETE("/queues/tokens/:token", queue.Leave)

	entered := queue.RequireEntered()
	api.POST("/reservations", reservations.Hold, entered)
	api.GET("/reservations/:reservationId", reservations.Get)
	api.POST("/payments", payments.Pay, entered)
	api.GET("/payments/:paymentId", payments.Get)
	api.GET("/payments", payments.List)

	api.POST("/points", points.Charge)
	api.GET("/points/balance", points.Balance)
	api.GET("/points/history", points.History)
}
