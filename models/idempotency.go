package models

import (
	"fmt"
	"time"

	"concert-ticketing/status"
)

// ResourceType partitions the idempotency namespace so the same request id
// can be reused across unrelated operations.
type ResourceType string

const (
	ResourcePayment     ResourceType = "PAYMENT"
	ResourcePoint       ResourceType = "POINT"
	ResourceReservation ResourceType = "RESERVATION"
)

// IdempotencyKey is the persisted dedup record. Uniqueness over
// (RequestID, UserID, ResourceType) is enforced by the store. ResourceID is
// bound after the claimed operation creates its row, so a replay can resolve
// what the first execution produced without re-querying the resource table.
type IdempotencyKey struct {
	ID           int64        `json:"id"`
	RequestID    string       `json:"request_id"`
	UserID       string       `json:"user_id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   int64        `json:"resource_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// NewIdempotencyKey accepts both caller-supplied request ids and derived
// ones like the refund id, so it only bounds the length. The strict 36-char
// check happens where requests enter the system.
func NewIdempotencyKey(requestID, userID string, resource ResourceType, now time.Time) (*IdempotencyKey, error) {
	if requestID == "" || len(requestID) > 64 {
		return nil, fmt.Errorf("%w: request id must be 1-64 characters", status.ErrValidation)
	}
	return &IdempotencyKey{
		RequestID:    requestID,
		UserID:       userID,
		ResourceType: resource,
		CreatedAt:    now,
	}, nil
}

// CacheTTL is how long a replayed result stays in the result cache.
func (r ResourceType) CacheTTL() time.Duration {
	if r == ResourceReservation {
		return time.Hour
	}
	return 10 * time.Minute
}
