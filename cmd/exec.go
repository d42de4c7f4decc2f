// Package cmd boots the service: config, infrastructure clients, services,
// consumers, background loops, and the HTTP surface.
package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	"concert-ticketing/bus"
	"concert-ticketing/clock"
	"concert-ticketing/config"
	"concert-ticketing/handlers"
	"concert-ticketing/lock"
	"concert-ticketing/models"
	"concert-ticketing/monitoring"
	"concert-ticketing/security"
	"concert-ticketing/services"
	"concert-ticketing/store"
	"concert-ticketing/utils"
)

const shutdownTimeout = 10 * time.Second

func Start() error {
	cfg := config.LoadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	redisClient, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	db, err := store.Open(cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	rabbit := bus.NewRabbitBus(cfg.RabbitURL, cfg.RabbitExchange, logger)
	defer rabbit.Close()

	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pn = pubnub.NewPubNub(pnConfig)
	}

	clk := clock.SystemClock{}
	guard := services.NewIdempotencyGuard(redisClient, store.NewIdempotencyStore(), clk, logger)
	retryer := services.NewRetryer(cfg.RetryMaxAttempts, cfg.RetryBackoff, logger)
	locks := lock.NewRedisProvider(redisClient)

	paymentStore := store.NewPaymentStore()
	pointStore := store.NewPointStore()
	reservationStore := store.NewReservationStore()
	outboxStore := store.NewOutboxStore()

	queueService := services.NewQueueService(redisClient, pn, cfg, clk, logger)
	pointService := services.NewPointService(db, pointStore, outboxStore, guard, retryer, clk, logger)
	paymentService := services.NewPaymentService(db, paymentStore, reservationStore, outboxStore, guard, retryer, locks, cfg, clk, logger)
	reservationService := services.NewReservationService(db, reservationStore, outboxStore, guard, retryer, locks, cfg, clk, logger)
	outboxPublisher := services.NewOutboxPublisher(db, outboxStore, rabbit, cfg, clk, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runInBackground := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	runInBackground(outboxPublisher.Run)
	runInBackground(queueService.RunScheduler)
	runInBackground(reservationService.RunHoldSweeper)

	// Saga consumers. One durable queue per (consumer, topic) binding.
	subscribe := func(queueName, topic string, handler bus.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rabbit.Subscribe(ctx, queueName, topic, handler)
		}()
	}
	subscribe("ticketing.point.use", models.TopicUsePointCommand, pointService.HandleUsePoint)
	subscribe("ticketing.point.refund", models.TopicRefundPointCommand, pointService.HandleRefundPoint)
	subscribe("ticketing.reservation.confirm", models.TopicConfirmSeatsCommand, reservationService.HandleConfirmSeats)
	subscribe("ticketing.reservation.cancel", models.TopicCancelSeatsCommand, reservationService.HandleCancelSeats)
	subscribe("ticketing.payment.point-used", models.TopicPointUsedEvent, paymentService.HandlePointUsed)
	subscribe("ticketing.payment.seats-confirmed", models.TopicSeatsConfirmedEvent, paymentService.HandleSeatsConfirmed)

	if cfg.EnableMetrics {
		monitoring.NewMonitor(redisClient)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
		go func() {
			logger.Info("metrics server listening", "port", cfg.MetricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	e := echo.New()
	handlers.Register(e,
		handlers.NewQueueHandler(queueService),
		handlers.NewPaymentHandler(paymentService),
		handlers.NewPointHandler(pointService),
		handlers.NewReservationHandler(reservationService),
		security.NewRateLimiter(redisClient, 0, 0),
	)
	e.GET("/health", func(c echo.Context) error {
		if err := utils.RedisHealthCheck(redisClient); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: e}
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}
