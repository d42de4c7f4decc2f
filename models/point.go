package models

import (
	"fmt"
	"time"

	"concert-ticketing/status"
)

const (
	// MaxChargeAmount caps a single charge request.
	MaxChargeAmount int64 = 1_000_000
	// MinUseUnit is the granularity points are spent in.
	MinUseUnit int64 = 1_000
)

type PointUseType string

const (
	PointCharge PointUseType = "CHARGE"
	PointUse    PointUseType = "USE"
	PointRefund PointUseType = "REFUND"
)

// Point is a user's balance row. Version backs optimistic locking on the
// charge path.
type Point struct {
	ID      int64  `json:"point_id"`
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

// PointHistory is one ledger line. Amount is signed: positive for CHARGE and
// REFUND, negative for USE. Every line satisfies
// AfterBalance == BeforeBalance + Amount, which the constructor enforces.
type PointHistory struct {
	ID            int64        `json:"history_id"`
	PointID       int64        `json:"point_id"`
	UserID        string       `json:"user_id"`
	UseType       PointUseType `json:"use_type"`
	Amount        int64        `json:"amount"`
	BeforeBalance int64        `json:"before_balance"`
	AfterBalance  int64        `json:"after_balance"`
	RequestID     string       `json:"request_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Charge adds amount to the balance and returns the ledger line.
func (p *Point) Charge(amount int64, requestID string, now time.Time) (*PointHistory, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: charge amount must be positive", status.ErrValidation)
	}
	if amount > MaxChargeAmount {
		return nil, fmt.Errorf("%w: charge amount %d exceeds limit %d", status.ErrChargeLimitExceeded, amount, MaxChargeAmount)
	}
	before := p.Balance
	p.Balance += amount
	p.Version++
	return newHistory(p, PointCharge, amount, before, requestID, now)
}

// Use deducts amount. Amounts are spent in MinUseUnit multiples and the
// balance never goes negative.
func (p *Point) Use(amount int64, requestID string, now time.Time) (*PointHistory, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: use amount must be positive", status.ErrValidation)
	}
	if amount%MinUseUnit != 0 {
		return nil, fmt.Errorf("%w: use amount must be a multiple of %d", status.ErrValidation, MinUseUnit)
	}
	if p.Balance < amount {
		return nil, fmt.Errorf("%w: balance %d, requested %d", status.ErrInsufficientBalance, p.Balance, amount)
	}
	before := p.Balance
	p.Balance -= amount
	p.Version++
	return newHistory(p, PointUse, -amount, before, requestID, now)
}

// RefundTo restores a previous deduction identified by its ledger line.
func (p *Point) RefundTo(used *PointHistory, requestID string, now time.Time) (*PointHistory, error) {
	if used == nil || used.UseType != PointUse {
		return nil, fmt.Errorf("%w: refund requires a USE history line", status.ErrValidation)
	}
	amount := -used.Amount
	if amount <= 0 {
		return nil, fmt.Errorf("%w: corrupt USE history %d", status.ErrValidation, used.ID)
	}
	before := p.Balance
	p.Balance += amount
	p.Version++
	return newHistory(p, PointRefund, amount, before, requestID, now)
}

func newHistory(p *Point, useType PointUseType, amount, before int64, requestID string, now time.Time) (*PointHistory, error) {
	if p.Balance < 0 {
		return nil, fmt.Errorf("%w: balance underflow for user %s", status.ErrValidation, p.UserID)
	}
	if p.Balance != before+amount {
		return nil, fmt.Errorf("%w: ledger line does not add up for user %s", status.ErrValidation, p.UserID)
	}
	return &PointHistory{
		PointID:       p.ID,
		UserID:        p.UserID,
		UseType:       useType,
		Amount:        amount,
		BeforeBalance: before,
		AfterBalance:  p.Balance,
		RequestID:     requestID,
		CreatedAt:     now,
	}, nil
}
