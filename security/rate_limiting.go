package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-caller limiter over Redis, shared by all
// instances behind the balancer. Redis being down fails open: admission
// control is protection, not correctness.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{redis: redisClient, limit: limit, window: window}
}

// Middleware limits by user id when present, falling back to client IP.
func (r *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := c.Request().Header.Get("X-User-ID")
			if caller == "" {
				caller = c.RealIP()
			}
			key := fmt.Sprintf("ratelimit:%s", caller)

			ctx := c.Request().Context()
			count, err := r.redis.Incr(ctx, key).Result()
			if err == nil {
				if count == 1 {
					r.redis.Expire(ctx, key, r.window)
				}
				if count > r.limit {
					return c.JSON(http.StatusTooManyRequests, map[string]string{
						"error": "rate limit exceeded, try again later",
					})
				}
			}
			return next(c)
		}
	}
}
