package models

import (
	"encoding/json"
	"strings"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// MaxOutboxRetries bounds how often a FAILED row is re-published before it
// stays failed for manual inspection.
const MaxOutboxRetries = 3

// maxLastErrorLen keeps the stored failure cause inside its column.
const maxLastErrorLen = 1024

// OutboxEvent is a row in the transactional outbox. Payload is the serialized
// message body; AggregateID keys routing and ordering downstream.
type OutboxEvent struct {
	ID            int64        `json:"outbox_id"`
	Topic         string       `json:"topic"`
	AggregateType string       `json:"aggregate_type"`
	AggregateID   string       `json:"aggregate_id"`
	EventType     string       `json:"event_type"`
	Payload       []byte       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	PublishedAt   *time.Time   `json:"published_at,omitempty"`
}

// NewOutboxEvent serializes body and stages it PENDING. Topics follow the
// {aggregate}.{event} convention, so both classifiers come from the topic.
func NewOutboxEvent(topic, aggregateID string, body any, now time.Time) (*OutboxEvent, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	aggregateType, eventType, _ := strings.Cut(topic, ".")
	return &OutboxEvent{
		Topic:         topic,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        OutboxPending,
		CreatedAt:     now,
	}, nil
}

func (e *OutboxEvent) MarkPublished(now time.Time) {
	e.Status = OutboxPublished
	e.PublishedAt = &now
}

// MarkFailed records the failure cause alongside the status so a row that
// exhausts its retries can be diagnosed from the table alone.
func (e *OutboxEvent) MarkFailed(cause error) {
	e.Status = OutboxFailed
	e.RetryCount++
	msg := cause.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	e.LastError = msg
}

func (e *OutboxEvent) Retryable() bool {
	return e.Status == OutboxFailed && e.RetryCount < MaxOutboxRetries
}
