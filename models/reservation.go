package models

import (
	"fmt"
	"time"

	"concert-ticketing/status"
)

// HoldDuration is how long held seats stay reserved without payment.
const HoldDuration = 10 * time.Minute

type ReservationStatus string

const (
	ReservationHold      ReservationStatus = "HOLD"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

type Reservation struct {
	ID                 int64             `json:"reservation_id"`
	ReservationCode    string            `json:"reservation_code"`
	RequestID          string            `json:"request_id"`
	UserID             string            `json:"user_id"`
	ScheduleID         int64             `json:"schedule_id"`
	SeatIDs            []int64           `json:"seat_ids"`
	TotalAmount        int64             `json:"total_amount"`
	Status             ReservationStatus `json:"status"`
	ConfirmedPaymentID int64             `json:"confirmed_payment_id,omitempty"`
	ExpiresAt          time.Time         `json:"expires_at"`
	Version            int64             `json:"version"`
}

func NewReservation(code, requestID, userID string, scheduleID int64, seatIDs []int64, totalAmount int64, now time.Time) (*Reservation, error) {
	if code == "" || userID == "" {
		return nil, fmt.Errorf("%w: reservation code and user id are required", status.ErrValidation)
	}
	if err := ValidateRequestID(requestID); err != nil {
		return nil, err
	}
	if scheduleID <= 0 {
		return nil, fmt.Errorf("%w: schedule id must be positive", status.ErrValidation)
	}
	if len(seatIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one seat is required", status.ErrValidation)
	}
	if totalAmount <= 0 {
		return nil, fmt.Errorf("%w: total amount must be positive", status.ErrValidation)
	}
	return &Reservation{
		ReservationCode: code,
		RequestID:       requestID,
		UserID:          userID,
		ScheduleID:      scheduleID,
		SeatIDs:         seatIDs,
		TotalAmount:     totalAmount,
		Status:          ReservationHold,
		ExpiresAt:       now.Add(HoldDuration),
	}, nil
}

func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationHold && !now.Before(r.ExpiresAt)
}

// Confirm finalizes a live hold on behalf of the given payment. An expired
// hold confirms as if it were already cancelled.
func (r *Reservation) Confirm(now time.Time, paymentID int64) error {
	if r.Status != ReservationHold {
		return fmt.Errorf("%w: reservation %d is %s, not HOLD", status.ErrConflict, r.ID, r.Status)
	}
	if r.IsExpired(now) {
		return fmt.Errorf("%w: reservation %d hold expired", status.ErrConflict, r.ID)
	}
	r.Status = ReservationConfirmed
	r.ConfirmedPaymentID = paymentID
	r.Version++
	return nil
}

// ConfirmedBy reports whether this payment is the one that confirmed the
// reservation, so a redelivered confirm command from a different flow cannot
// claim someone else's confirmation.
func (r *Reservation) ConfirmedBy(paymentID int64) bool {
	return r.Status == ReservationConfirmed && r.ConfirmedPaymentID == paymentID
}

// Cancel releases a hold. Cancelling an already cancelled reservation is a
// no-op so compensation can retry safely.
func (r *Reservation) Cancel() error {
	switch r.Status {
	case ReservationCancelled:
		return nil
	case ReservationHold:
		r.Status = ReservationCancelled
		r.Version++
		return nil
	default:
		return fmt.Errorf("%w: reservation %d is %s, cannot cancel", status.ErrConflict, r.ID, r.Status)
	}
}
