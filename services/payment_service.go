package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pocketbase/dbx"

	"concert-ticketing/clock"
	"concert-ticketing/config"
	"concert-ticketing/lock"
	"concert-ticketing/models"
	"concert-ticketing/monitoring"
	"concert-ticketing/status"
	"concert-ticketing/utils"
)

// PayRequest is the caller's side of the payment flow. Amount is what the
// client believes it is paying; it must match the reservation.
type PayRequest struct {
	UserID        string `json:"user_id"`
	ReservationID int64  `json:"reservation_id"`
	RequestID     string `json:"request_id"`
	Amount        int64  `json:"amount"`
}

// PaymentService opens payments and coordinates them to a terminal status.
// The flow is choreographed over the outbox: deduct points, confirm seats,
// then settle; any step failing walks the completed steps back.
type PaymentService struct {
	db           Database
	payments     PaymentStore
	reservations ReservationStore
	outbox       OutboxStore
	guard        *IdempotencyGuard
	retryer      *Retryer
	locks        lock.Provider
	config       *config.Config
	clock        clock.Clock
	logger       *slog.Logger
}

func NewPaymentService(db Database, payments PaymentStore, reservations ReservationStore, outbox OutboxStore, guard *IdempotencyGuard, retryer *Retryer, locks lock.Provider, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		db:           db,
		payments:     payments,
		reservations: reservations,
		outbox:       outbox,
		guard:        guard,
		retryer:      retryer,
		locks:        locks,
		config:       cfg,
		clock:        clk,
		logger:       logger,
	}
}

func paymentLockKey(reservationID int64) string {
	return fmt.Sprintf("payment:reservation:%d", reservationID)
}

// Pay opens a PENDING payment for a held reservation and kicks off the
// point deduction. Retrying with the same request id returns the payment the
// first call created; retrying with a different amount is rejected.
func (s *PaymentService) Pay(ctx context.Context, req PayRequest) (*models.Payment, error) {
	if err := models.ValidateRequestID(req.RequestID); err != nil {
		return nil, err
	}

	var cached models.Payment
	if s.guard.CachedResult(ctx, models.ResourcePayment, req.UserID, req.RequestID, &cached) {
		if err := cached.ValidateEqualAmount(req.Amount); err != nil {
			return nil, err
		}
		return &cached, nil
	}

	// One payment flow per reservation at a time. The lock serializes racing
	// callers; the open-payment check below rejects the loser even if it
	// arrives after the winner's lease lapsed.
	var payment *models.Payment
	err := s.retryer.Run(ctx, "payment.pay", func(ctx context.Context) error {
		return lock.WithLock(ctx, s.locks, paymentLockKey(req.ReservationID), s.config.LockWaitTimeout, s.config.LockLeaseTime, func(ctx context.Context) error {
			return transact(s.db, func(tx *dbx.Tx) error {
				if err := s.guard.Claim(tx, req.RequestID, req.UserID, models.ResourcePayment); err != nil {
					return err
				}
				reservation, err := s.reservations.GetByIDForUpdate(tx, req.ReservationID)
				if err != nil {
					return err
				}
				if reservation.UserID != req.UserID {
					return fmt.Errorf("%w: reservation %d does not belong to user", status.ErrValidation, req.ReservationID)
				}
				if reservation.Status != models.ReservationHold {
					return fmt.Errorf("%w: reservation %d is %s", status.ErrConflict, reservation.ID, reservation.Status)
				}
				if reservation.IsExpired(s.clock.Now()) {
					return fmt.Errorf("%w: reservation %d hold expired", status.ErrConflict, reservation.ID)
				}
				if req.Amount != reservation.TotalAmount {
					return fmt.Errorf("%w: reservation total is %d, got %d",
						status.ErrAmountMismatch, reservation.TotalAmount, req.Amount)
				}
				if open, err := s.payments.GetOpenByReservation(tx, reservation.ID); err == nil {
					return fmt.Errorf("%w: reservation %d already has payment %d in flight",
						status.ErrConflict, reservation.ID, open.ID)
				} else if !errors.Is(err, status.ErrNotFound) {
					return err
				}

				code, err := utils.GeneratePaymentCode()
				if err != nil {
					return err
				}
				payment, err = models.NewPayment(reservation.ID, req.UserID, code, req.RequestID, reservation.TotalAmount, s.clock.Now())
				if err != nil {
					return err
				}
				if err := s.payments.Insert(tx, payment); err != nil {
					return err
				}
				if err := s.guard.BindResource(tx, req.RequestID, req.UserID, models.ResourcePayment, payment.ID); err != nil {
					return err
				}
				return s.stage(tx, models.TopicUsePointCommand, req.RequestID, models.UsePointCommand{
					PaymentID:     payment.ID,
					ReservationID: reservation.ID,
					UserID:        req.UserID,
					RequestID:     req.RequestID,
					Amount:        payment.Amount,
				})
			})
		})
	})
	if status.IsDuplicate(err) {
		return s.replayPay(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	s.guard.StoreResult(ctx, models.ResourcePayment, req.UserID, req.RequestID, payment)
	return payment, nil
}

// replayPay resolves a duplicate request id against the stored payment. The
// claim row names the payment it produced, so the replay reads it by id.
func (s *PaymentService) replayPay(ctx context.Context, req PayRequest) (*models.Payment, error) {
	payment, err := s.resolveClaimedPayment(req)
	if err != nil {
		return nil, err
	}
	if err := payment.ValidateEqualAmount(req.Amount); err != nil {
		return nil, err
	}
	s.guard.StoreResult(ctx, models.ResourcePayment, req.UserID, req.RequestID, payment)
	return payment, nil
}

func (s *PaymentService) resolveClaimedPayment(req PayRequest) (*models.Payment, error) {
	claim, err := s.guard.Resolve(s.db, req.RequestID, req.UserID, models.ResourcePayment)
	if err != nil {
		return nil, err
	}
	if claim.ResourceID == 0 {
		// The bind commits with the claim, so an unbound claim means the
		// winner's payment row is gone. Nothing to replay.
		return nil, fmt.Errorf("%w: payment for request %s", status.ErrNotFound, req.RequestID)
	}
	return s.payments.GetByID(s.db, claim.ResourceID)
}

func (s *PaymentService) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return s.payments.GetByID(s.db, id)
}

func (s *PaymentService) ListPayments(ctx context.Context, userID string) ([]*models.Payment, error) {
	return s.payments.ListByUser(s.db, userID)
}

// HandlePointUsed consumes the point step's outcome. Success moves the flow
// on to seat confirmation; failure closes the payment with nothing to
// compensate.
func (s *PaymentService) HandlePointUsed(ctx context.Context, payload []byte) error {
	var ev models.PointUsedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("unmarshal point used event: %w", err)
	}

	return s.retryer.Run(ctx, "payment.point_used", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			payment, err := s.payments.GetByIDForUpdate(tx, ev.PaymentID)
			if err != nil {
				return err
			}
			if payment.IsTerminal() {
				// Redelivery after the flow already settled.
				return nil
			}
			if !ev.Success {
				s.logger.Warn("point deduction failed, failing payment",
					"payment_id", payment.ID, "reason", ev.Reason)
				if err := payment.Fail(); err != nil {
					return err
				}
				if err := s.payments.UpdateStatus(tx, payment); err != nil {
					return err
				}
				s.observeOutcome(payment)
				return nil
			}
			return s.stage(tx, models.TopicConfirmSeatsCommand, ev.RequestID, models.ConfirmSeatsCommand{
				PaymentID:     ev.PaymentID,
				ReservationID: ev.ReservationID,
				UserID:        ev.UserID,
				RequestID:     ev.RequestID,
			})
		})
	})
}

// HandleSeatsConfirmed settles the payment. A failed confirmation triggers
// the compensating refund of the already-deducted points.
func (s *PaymentService) HandleSeatsConfirmed(ctx context.Context, payload []byte) error {
	var ev models.SeatsConfirmedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("unmarshal seats confirmed event: %w", err)
	}

	return s.retryer.Run(ctx, "payment.seats_confirmed", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			payment, err := s.payments.GetByIDForUpdate(tx, ev.PaymentID)
			if err != nil {
				return err
			}
			if payment.IsTerminal() {
				return nil
			}

			if !ev.Success {
				s.logger.Warn("seat confirmation failed, compensating",
					"payment_id", payment.ID, "reason", ev.Reason)
				monitoring.SagaCompensations.Inc()
				if err := payment.Fail(); err != nil {
					return err
				}
				if err := s.payments.UpdateStatus(tx, payment); err != nil {
					return err
				}
				s.observeOutcome(payment)
				if err := s.stage(tx, models.TopicRefundPointCommand, ev.RequestID, models.RefundPointCommand{
					PaymentID: payment.ID,
					UserID:    payment.UserID,
					RequestID: payment.RequestID,
					Amount:    payment.Amount,
				}); err != nil {
					return err
				}
				// The confirming side already cancels a hold it could not
				// confirm; cancel is idempotent, so commanding it again only
				// matters when that local cancel was lost.
				return s.stage(tx, models.TopicCancelSeatsCommand, ev.RequestID, models.CancelSeatsCommand{
					PaymentID:     payment.ID,
					ReservationID: payment.ReservationID,
					UserID:        payment.UserID,
					RequestID:     payment.RequestID,
				})
			}

			now := s.clock.Now()
			if err := payment.Succeed(now); err != nil {
				return err
			}
			if err := s.payments.UpdateStatus(tx, payment); err != nil {
				return err
			}
			s.observeOutcome(payment)
			return s.stage(tx, models.TopicPaymentCompleted, ev.RequestID, models.PaymentCompletedEvent{
				PaymentID:     payment.ID,
				ReservationID: payment.ReservationID,
				UserID:        payment.UserID,
				RequestID:     payment.RequestID,
				Amount:        payment.Amount,
			})
		})
	})
}

// observeOutcome records how long the payment took to reach a terminal
// status.
func (s *PaymentService) observeOutcome(payment *models.Payment) {
	monitoring.PaymentDuration.WithLabelValues(string(payment.Status)).
		Observe(s.clock.Now().Sub(payment.CreatedAt).Seconds())
}

func (s *PaymentService) stage(tx dbx.Builder, topic, aggregateID string, body any) error {
	event, err := models.NewOutboxEvent(topic, aggregateID, body, s.clock.Now())
	if err != nil {
		return err
	}
	return s.outbox.Insert(tx, event)
}
