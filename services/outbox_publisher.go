package services

import (
	"context"
	"log/slog"
	"time"

	"concert-ticketing/bus"
	"concert-ticketing/clock"
	"concert-ticketing/config"
	"concert-ticketing/models"
	"concert-ticketing/monitoring"
	"concert-ticketing/utils"
)

const retentionSweepInterval = 24 * time.Hour

// publishTimeout bounds a single broker publish so one stuck confirm cannot
// stall the whole batch.
const publishTimeout = 5 * time.Second

// OutboxPublisher ships staged events to the broker. Three loops: a fast one
// for PENDING rows, a slow one re-driving FAILED rows under the retry
// budget, and a daily retention sweep over PUBLISHED rows. Delivery is
// at-least-once; consumers dedupe.
type OutboxPublisher struct {
	db        Database
	outbox    OutboxStore
	publisher bus.Publisher
	breaker   *utils.CircuitBreaker
	config    *config.Config
	clock     clock.Clock
	logger    *slog.Logger
}

func NewOutboxPublisher(db Database, outbox OutboxStore, publisher bus.Publisher, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		db:        db,
		outbox:    outbox,
		publisher: publisher,
		breaker:   utils.NewCircuitBreaker("outbox-publisher"),
		config:    cfg,
		clock:     clk,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled.
func (p *OutboxPublisher) Run(ctx context.Context) {
	publish := time.NewTicker(p.config.OutboxPublishInterval)
	defer publish.Stop()
	retry := time.NewTicker(p.config.OutboxRetryInterval)
	defer retry.Stop()
	retention := time.NewTicker(retentionSweepInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-publish.C:
			p.publishPending(ctx)
		case <-retry.C:
			p.retryFailed(ctx)
		case <-retention.C:
			p.sweepPublished(ctx)
		}
	}
}

func (p *OutboxPublisher) publishPending(ctx context.Context) {
	events, err := p.outbox.ListPending(p.db, p.config.OutboxBatchSize)
	if err != nil {
		p.logger.Error("outbox list pending failed", "error", err)
		return
	}
	p.deliver(ctx, events)
}

func (p *OutboxPublisher) retryFailed(ctx context.Context) {
	events, err := p.outbox.ListRetryable(p.db, p.config.OutboxBatchSize)
	if err != nil {
		p.logger.Error("outbox list retryable failed", "error", err)
		return
	}
	p.deliver(ctx, events)
}

func (p *OutboxPublisher) deliver(ctx context.Context, events []*models.OutboxEvent) {
	for _, e := range events {
		if ctx.Err() != nil {
			return
		}
		err := p.breaker.Execute(func() error {
			publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			return p.publisher.Publish(publishCtx, e.Topic, e.AggregateID, e.Payload)
		})
		if err != nil {
			e.MarkFailed(err)
			monitoring.OutboxPublishes.WithLabelValues(e.Topic, "failed").Inc()
			p.logger.Error("outbox publish failed",
				"outbox_id", e.ID, "topic", e.Topic, "retry_count", e.RetryCount, "error", err)
			if err := p.outbox.MarkFailed(p.db, e); err != nil {
				p.logger.Error("outbox mark failed errored", "outbox_id", e.ID, "error", err)
			}
			continue
		}
		e.MarkPublished(p.clock.Now())
		monitoring.OutboxPublishes.WithLabelValues(e.Topic, "published").Inc()
		if err := p.outbox.MarkPublished(p.db, e); err != nil {
			// The event went out but the row stayed PENDING, so it will go
			// out again. At-least-once, consumers dedupe.
			p.logger.Error("outbox mark published errored", "outbox_id", e.ID, "error", err)
		}
	}
}

func (p *OutboxPublisher) sweepPublished(ctx context.Context) {
	cutoff := p.clock.Now().Add(-p.config.OutboxRetention)
	n, err := p.outbox.DeletePublishedBefore(p.db, cutoff)
	if err != nil {
		p.logger.Error("outbox retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("outbox retention sweep", "deleted", n, "cutoff", cutoff)
	}
}
