package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length_total",
			Help: "Current queue length per target",
		},
		[]string{"target_id", "queue_type"},
	)

	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	OutboxPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publishes_total",
			Help: "Outbox publish attempts by outcome",
		},
		[]string{"topic", "status"},
	)

	CommandRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "command_retries_total",
			Help: "Retryable command attempts by outcome",
		},
		[]string{"command", "outcome"},
	)

	SagaCompensations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensating refunds triggered by failed confirmations",
		},
	)

	PaymentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_duration_seconds",
			Help:    "Wall time from payment request to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"status"},
	)
)

type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	// Start metrics collection
	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collectQueueMetrics(context.Background())
	}
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	m.scanQueues(ctx, "queue:*:waiting", "waiting")
	m.scanQueues(ctx, "queue:*:entered", "entered")
}

func (m *Monitor) scanQueues(ctx context.Context, pattern, queueType string) {
	var cursor uint64
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		for _, key := range keys {
			var targetID int64
			if _, err := fmt.Sscanf(key, "queue:%d:", &targetID); err != nil {
				continue
			}
			length, err := m.redis.ZCard(ctx, key).Result()
			if err != nil {
				continue
			}
			QueueLength.WithLabelValues(fmt.Sprint(targetID), queueType).Set(float64(length))
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
