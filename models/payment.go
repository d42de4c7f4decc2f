package models

import (
	"fmt"
	"time"

	"concert-ticketing/status"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type Payment struct {
	ID            int64         `json:"payment_id"`
	ReservationID int64         `json:"reservation_id"`
	UserID        string        `json:"user_id"`
	PaymentCode   string        `json:"payment_code"`
	RequestID     string        `json:"request_id"`
	Amount        int64         `json:"amount"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

// NewPayment builds a PENDING payment, rejecting anything that must never
// reach the store: non-positive amounts, missing correlation ids.
func NewPayment(reservationID int64, userID, paymentCode, requestID string, amount int64, now time.Time) (*Payment, error) {
	if reservationID <= 0 {
		return nil, fmt.Errorf("%w: reservation id must be positive", status.ErrValidation)
	}
	if userID == "" || paymentCode == "" {
		return nil, fmt.Errorf("%w: user id and payment code are required", status.ErrValidation)
	}
	if err := ValidateRequestID(requestID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", status.ErrValidation)
	}
	return &Payment{
		ReservationID: reservationID,
		UserID:        userID,
		PaymentCode:   paymentCode,
		RequestID:     requestID,
		Amount:        amount,
		Status:        PaymentPending,
		CreatedAt:     now,
	}, nil
}

// Succeed moves PENDING to SUCCEEDED and stamps paidAt. paidAt never sits in
// the future.
func (p *Payment) Succeed(now time.Time) error {
	if p.Status != PaymentPending {
		return fmt.Errorf("%w: payment %d is %s, not PENDING", status.ErrConflict, p.ID, p.Status)
	}
	p.Status = PaymentSucceeded
	p.PaidAt = &now
	return nil
}

func (p *Payment) Fail() error {
	if p.Status != PaymentPending {
		return fmt.Errorf("%w: payment %d is %s, not PENDING", status.ErrConflict, p.ID, p.Status)
	}
	p.Status = PaymentFailed
	return nil
}

// Refund is the compensating step and only applies to a SUCCEEDED payment.
func (p *Payment) Refund() error {
	if p.Status != PaymentSucceeded {
		return fmt.Errorf("%w: payment %d is %s, not SUCCEEDED", status.ErrConflict, p.ID, p.Status)
	}
	p.Status = PaymentRefunded
	return nil
}

func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentSucceeded || p.Status == PaymentFailed || p.Status == PaymentRefunded
}

// ValidateEqualAmount guards the replay path: the same requestId retried with
// a different amount is a client bug, not an idempotent replay.
func (p *Payment) ValidateEqualAmount(amount int64) error {
	if p.Amount != amount {
		return fmt.Errorf("%w: expected %d, got %d", status.ErrAmountMismatch, p.Amount, amount)
	}
	return nil
}

// ValidateRequestID enforces the canonical request id shape (36 chars, the
// UUID string form).
func ValidateRequestID(requestID string) error {
	if len(requestID) != 36 {
		return fmt.Errorf("%w: request id must be 36 characters", status.ErrValidation)
	}
	return nil
}
