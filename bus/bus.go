// Package bus is the RabbitMQ transport. Everything rides one durable topic
// exchange; each consumer gets its own durable queue bound to the topics it
// handles.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends a raw payload to a topic. The aggregate id becomes part of
// the routing metadata so downstream systems can key on it.
type Publisher interface {
	Publish(ctx context.Context, topic, aggregateID string, payload []byte) error
}

// Handler processes one delivery. A non-nil error rejects the message
// without requeue.
type Handler func(ctx context.Context, payload []byte) error

const (
	maxDialBackoff   = 30 * time.Second
	consumerPrefetch = 50
)

type RabbitBus struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitBus(url, exchange string, logger *slog.Logger) *RabbitBus {
	return &RabbitBus{url: url, exchange: exchange, logger: logger}
}

// channel returns the shared publish channel, dialing if needed.
func (b *RabbitBus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}
	b.ch = ch
	return ch, nil
}

// Publish sends the payload persistently, routed by topic.
func (b *RabbitBus) Publish(ctx context.Context, topic, aggregateID string, payload []byte) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		MessageId:    aggregateID,
		Body:         payload,
	}
	if err := ch.PublishWithContext(ctx, b.exchange, topic, false, false, pub); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes topic on a durable queue named queueName until ctx is
// cancelled. It runs a reconnect loop with capped backoff so a broker
// restart never kills the consumer.
func (b *RabbitBus) Subscribe(ctx context.Context, queueName, topic string, handler Handler) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := amqp.Dial(b.url)
		if err != nil {
			b.logger.Error("rabbitmq dial failed", "queue", queueName, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxDialBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		if err := b.consumeLoop(ctx, conn, queueName, topic, handler); err != nil {
			b.logger.Warn("consume loop ended, reconnecting", "queue", queueName, "error", err)
		}
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *RabbitBus) consumeLoop(ctx context.Context, conn *amqp.Connection, queueName, topic string, handler Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(queueName, topic, b.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}

	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handler(ctx, d.Body); err != nil {
				b.logger.Error("handle message failed", "queue", queueName, "error", err)
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *RabbitBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
