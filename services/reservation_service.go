package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/clock"
	"concert-ticketing/config"
	"concert-ticketing/lock"
	"concert-ticketing/models"
	"concert-ticketing/status"
	"concert-ticketing/utils"
)

const expiredHoldBatch = 100

// HoldRequest asks for seats to be held for the caller.
type HoldRequest struct {
	UserID      string  `json:"user_id"`
	ScheduleID  int64   `json:"schedule_id"`
	SeatIDs     []int64 `json:"seat_ids"`
	TotalAmount int64   `json:"total_amount"`
	RequestID   string  `json:"request_id"`
}

// ReservationService holds and confirms seats. Seat contention is handled
// twice: the distributed lock keeps racing holders apart, and the unique
// seat index catches whatever slips through.
type ReservationService struct {
	db           Database
	reservations ReservationStore
	outbox       OutboxStore
	guard        *IdempotencyGuard
	retryer      *Retryer
	locks        lock.Provider
	config       *config.Config
	clock        clock.Clock
	logger       *slog.Logger
}

func NewReservationService(db Database, reservations ReservationStore, outbox OutboxStore, guard *IdempotencyGuard, retryer *Retryer, locks lock.Provider, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *ReservationService {
	return &ReservationService{
		db:           db,
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

func seatLockKey(scheduleID, seatID int64) string {
	return fmt.Sprintf("seat:%d:%d", scheduleID, seatID)
}

// Hold reserves the requested seats for ten minutes. Retrying with the same
// request id returns the reservation the first call created.
func (s *ReservationService) Hold(ctx context.Context, req HoldRequest) (*models.Reservation, error) {
	if err := models.ValidateRequestID(req.RequestID); err != nil {
		return nil, err
	}

	var cached models.Reservation
	if s.guard.CachedResult(ctx, models.ResourceReservation, req.UserID, req.RequestID, &cached) {
		return &cached, nil
	}

	// Lock seats in a fixed order so two overlapping holds never deadlock.
	seatIDs := append([]int64(nil), req.SeatIDs...)
	sort.Slice(seatIDs, func(i, j int) bool { return seatIDs[i] < seatIDs[j] })

	var reservation *models.Reservation
	err := s.retryer.Run(ctx, "reservation.hold", func(ctx context.Context) error {
		return s.withSeatLocks(ctx, req.ScheduleID, seatIDs, func(ctx context.Context) error {
			return transact(s.db, func(tx *dbx.Tx) error {
				if err := s.guard.Claim(tx, req.RequestID, req.UserID, models.ResourceReservation); err != nil {
					return err
				}
				code, err := utils.GenerateReservationCode()
				if err != nil {
					return err
				}
				reservation, err = models.NewReservation(code, req.RequestID, req.UserID, req.ScheduleID, seatIDs, req.TotalAmount, s.clock.Now())
				if err != nil {
					return err
				}
				if err := s.reservations.Insert(tx, reservation); err != nil {
					return err
				}
				return s.guard.BindResource(tx, req.RequestID, req.UserID, models.ResourceReservation, reservation.ID)
			})
		})
	})
	if status.IsDuplicate(err) {
		return s.replayHold(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	s.guard.StoreResult(ctx, models.ResourceReservation, req.UserID, req.RequestID, reservation)
	return reservation, nil
}

// withSeatLocks acquires every seat lock, innermost first on release.
func (s *ReservationService) withSeatLocks(ctx context.Context, scheduleID int64, seatIDs []int64, fn func(ctx context.Context) error) error {
	if len(seatIDs) == 0 {
		return fn(ctx)
	}
	key := seatLockKey(scheduleID, seatIDs[0])
	return lock.WithLock(ctx, s.locks, key, s.config.LockWaitTimeout, s.config.LockLeaseTime, func(ctx context.Context) error {
		return s.withSeatLocks(ctx, scheduleID, seatIDs[1:], fn)
	})
}

// replayHold resolves a duplicate hold. A bound claim under this request id
// means this caller already holds the seats; no claim means the collision
// was on the seat index and someone else does.
func (s *ReservationService) replayHold(ctx context.Context, req HoldRequest) (*models.Reservation, error) {
	claim, err := s.guard.Resolve(s.db, req.RequestID, req.UserID, models.ResourceReservation)
	if err != nil || claim.ResourceID == 0 {
		return nil, fmt.Errorf("%w: seat already held", status.ErrConflict)
	}
	reservation, err := s.reservations.GetByID(s.db, claim.ResourceID)
	if err != nil {
		return nil, err
	}
	s.guard.StoreResult(ctx, models.ResourceReservation, req.UserID, req.RequestID, reservation)
	return reservation, nil
}

func (s *ReservationService) Get(ctx context.Context, id int64) (*models.Reservation, error) {
	reservation, err := s.reservations.GetByID(s.db, id)
	if err != nil {
		return nil, err
	}
	if reservation.IsExpired(s.clock.Now()) {
		return nil, fmt.Errorf("%w: reservation %d hold expired", status.ErrTokenExpired, id)
	}
	return reservation, nil
}

// HandleConfirmSeats consumes a ConfirmSeatsCommand. On success the
// reservation flips to CONFIRMED; on failure the hold is cancelled locally
// before reporting back, so the seats free up regardless of what the
// coordinator does next.
func (s *ReservationService) HandleConfirmSeats(ctx context.Context, payload []byte) error {
	var cmd models.ConfirmSeatsCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("unmarshal confirm seats command: %w", err)
	}

	return s.retryer.Run(ctx, "reservation.confirm", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			reservation, err := s.reservations.GetByIDForUpdate(tx, cmd.ReservationID)
			if err != nil {
				return err
			}
			if reservation.Status == models.ReservationConfirmed {
				if reservation.ConfirmedBy(cmd.PaymentID) {
					// Redelivery: re-announce success, the coordinator dedupes.
					return s.stageConfirmed(tx, cmd, true, "")
				}
				// Another payment owns the confirmation; this flow must
				// compensate, not settle.
				return s.stageConfirmed(tx, cmd, false,
					fmt.Sprintf("reservation %d confirmed by payment %d", reservation.ID, reservation.ConfirmedPaymentID))
			}

			if err := reservation.Confirm(s.clock.Now(), cmd.PaymentID); err != nil {
				s.logger.Warn("seat confirmation failed, cancelling hold",
					"reservation_id", reservation.ID, "error", err)
				if cancelErr := s.cancelHold(tx, reservation); cancelErr != nil {
					return cancelErr
				}
				return s.stageConfirmed(tx, cmd, false, err.Error())
			}
			if err := s.reservations.UpdateStatus(tx, reservation); err != nil {
				return err
			}
			return s.stageConfirmed(tx, cmd, true, "")
		})
	})
}

// HandleCancelSeats consumes a CancelSeatsCommand, the coordinator's explicit
// seat release. Cancelling an already cancelled hold just re-announces.
func (s *ReservationService) HandleCancelSeats(ctx context.Context, payload []byte) error {
	var cmd models.CancelSeatsCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("unmarshal cancel seats command: %w", err)
	}

	return s.retryer.Run(ctx, "reservation.cancel", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			reservation, err := s.reservations.GetByIDForUpdate(tx, cmd.ReservationID)
			if err != nil {
				return err
			}
			if reservation.Status == models.ReservationConfirmed {
				s.logger.Warn("cancel command for a confirmed reservation, ignoring",
					"reservation_id", reservation.ID, "payment_id", cmd.PaymentID)
				return nil
			}
			if reservation.Status == models.ReservationHold {
				if err := s.cancelHold(tx, reservation); err != nil {
					return err
				}
			}
			return s.stageCancelled(tx, cmd)
		})
	})
}

func (s *ReservationService) stageCancelled(tx dbx.Builder, cmd models.CancelSeatsCommand) error {
	event, err := models.NewOutboxEvent(models.TopicSeatsCancelledEvent, cmd.RequestID, models.SeatsCancelledEvent{
		PaymentID:     cmd.PaymentID,
		ReservationID: cmd.ReservationID,
		UserID:        cmd.UserID,
		RequestID:     cmd.RequestID,
	}, s.clock.Now())
	if err != nil {
		return err
	}
	return s.outbox.Insert(tx, event)
}

func (s *ReservationService) stageConfirmed(tx dbx.Builder, cmd models.ConfirmSeatsCommand, success bool, reason string) error {
	event, err := models.NewOutboxEvent(models.TopicSeatsConfirmedEvent, cmd.RequestID, models.SeatsConfirmedEvent{
		PaymentID:     cmd.PaymentID,
		ReservationID: cmd.ReservationID,
		UserID:        cmd.UserID,
		RequestID:     cmd.RequestID,
		Success:       success,
		Reason:        reason,
	}, s.clock.Now())
	if err != nil {
		return err
	}
	return s.outbox.Insert(tx, event)
}

func (s *ReservationService) cancelHold(tx dbx.Builder, reservation *models.Reservation) error {
	if err := reservation.Cancel(); err != nil {
		return err
	}
	if reservation.Status == models.ReservationCancelled {
		if err := s.reservations.UpdateStatus(tx, reservation); err != nil {
			return err
		}
		return s.reservations.DeleteSeats(tx, reservation.ID)
	}
	return nil
}

// RunHoldSweeper cancels lapsed holds in the background so abandoned seats
// return to the pool without waiting for someone to touch them.
func (s *ReservationService) RunHoldSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.config.HoldSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredHolds(ctx)
		}
	}
}

func (s *ReservationService) sweepExpiredHolds(ctx context.Context) {
	expired, err := s.reservations.ListExpiredHolds(s.db, s.clock.Now(), expiredHoldBatch)
	if err != nil {
		s.logger.Error("expired hold scan failed", "error", err)
		return
	}
	for _, r := range expired {
		if ctx.Err() != nil {
			return
		}
		err := transact(s.db, func(tx *dbx.Tx) error {
			current, err := s.reservations.GetByIDForUpdate(tx, r.ID)
			if err != nil {
				return err
			}
			if !current.IsExpired(s.clock.Now()) {
				return nil
			}
			return s.cancelHold(tx, current)
		})
		if err != nil {
			s.logger.Error("expired hold cancel failed", "reservation_id", r.ID, "error", err)
			continue
		}
		s.logger.Info("expired hold cancelled", "reservation_id", r.ID)
	}
}
