package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pocketbase/dbx"

	"concert-ticketing/clock"
	"concert-ticketing/models"
	"concert-ticketing/status"
)

// PointBalanceResult is what the charge path returns and caches for replays.
type PointBalanceResult struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// PointService owns balances and the ledger. Balance mutations serialize on
// the row lock taken inside the transaction, so two spends for the same user
// never interleave.
type PointService struct {
	db      Database
	points  PointStore
	outbox  OutboxStore
	guard   *IdempotencyGuard
	retryer *Retryer
	clock   clock.Clock
	logger  *slog.Logger
}

func NewPointService(db Database, points PointStore, outbox OutboxStore, guard *IdempotencyGuard, retryer *Retryer, clk clock.Clock, logger *slog.Logger) *PointService {
	return &PointService{
		db:      db,
		points:  points,
		outbox:  outbox,
		guard:   guard,
		retryer: retryer,
		clock:   clk,
		logger:  logger,
	}
}

// Charge adds points to a balance. Safe to retry with the same request id:
// the duplicate resolves to the result of the first execution.
func (s *PointService) Charge(ctx context.Context, userID, requestID string, amount int64) (*PointBalanceResult, error) {
	if err := models.ValidateRequestID(requestID); err != nil {
		return nil, err
	}

	var cached PointBalanceResult
	if s.guard.CachedResult(ctx, models.ResourcePoint, userID, requestID, &cached) {
		return &cached, nil
	}

	var result *PointBalanceResult
	err := s.retryer.Run(ctx, "point.charge", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			if err := s.guard.Claim(tx, requestID, userID, models.ResourcePoint); err != nil {
				return err
			}
			if err := s.points.CreateIfAbsent(tx, userID); err != nil {
				return err
			}
			point, err := s.points.GetByUserForUpdate(tx, userID)
			if err != nil {
				return err
			}
			history, err := point.Charge(amount, requestID, s.clock.Now())
			if err != nil {
				return err
			}
			if err := s.points.Save(tx, point); err != nil {
				return err
			}
			if err := s.points.InsertHistory(tx, history); err != nil {
				return err
			}
			if err := s.guard.BindResource(tx, requestID, userID, models.ResourcePoint, history.ID); err != nil {
				return err
			}
			result = &PointBalanceResult{UserID: userID, Balance: point.Balance}
			return nil
		})
	})
	if status.IsDuplicate(err) {
		return s.replayCharge(ctx, userID, requestID)
	}
	if err != nil {
		return nil, err
	}

	s.guard.StoreResult(ctx, models.ResourcePoint, userID, requestID, result)
	return result, nil
}

// replayCharge resolves a duplicate charge: the first execution won, so
// return what it produced.
func (s *PointService) replayCharge(ctx context.Context, userID, requestID string) (*PointBalanceResult, error) {
	var cached PointBalanceResult
	if s.guard.CachedResult(ctx, models.ResourcePoint, userID, requestID, &cached) {
		return &cached, nil
	}
	point, err := s.points.GetByUser(s.db, userID)
	if err != nil {
		return nil, err
	}
	return &PointBalanceResult{UserID: userID, Balance: point.Balance}, nil
}

func (s *PointService) Balance(ctx context.Context, userID string) (*PointBalanceResult, error) {
	point, err := s.points.GetByUser(s.db, userID)
	if err != nil {
		return nil, err
	}
	return &PointBalanceResult{UserID: userID, Balance: point.Balance}, nil
}

func (s *PointService) History(ctx context.Context, userID string, limit int) ([]*models.PointHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.points.ListHistory(s.db, userID, limit)
}

// HandleUsePoint consumes a UsePointCommand. The deduction and the outcome
// event commit together; redelivery is absorbed by the dedup claim.
func (s *PointService) HandleUsePoint(ctx context.Context, payload []byte) error {
	var cmd models.UsePointCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("unmarshal use point command: %w", err)
	}

	err := s.retryer.Run(ctx, "point.use", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			if err := s.guard.Claim(tx, cmd.RequestID, cmd.UserID, models.ResourcePoint); err != nil {
				return err
			}
			if err := s.points.CreateIfAbsent(tx, cmd.UserID); err != nil {
				return err
			}
			point, err := s.points.GetByUserForUpdate(tx, cmd.UserID)
			if err != nil {
				return err
			}
			history, err := point.Use(cmd.Amount, cmd.RequestID, s.clock.Now())
			if err != nil {
				return err
			}
			if err := s.points.Save(tx, point); err != nil {
				return err
			}
			if err := s.points.InsertHistory(tx, history); err != nil {
				return err
			}
			if err := s.guard.BindResource(tx, cmd.RequestID, cmd.UserID, models.ResourcePoint, history.ID); err != nil {
				return err
			}
			return s.stageUsedEvent(tx, cmd, true, "")
		})
	})
	if status.IsDuplicate(err) {
		// Redelivered command, the first delivery already settled it.
		s.logger.Info("use point command replayed", "request_id", cmd.RequestID)
		return nil
	}
	if err != nil {
		// Business rejection: report failure so the payment can stop. A
		// failure event that cannot be staged bubbles up and nacks.
		s.logger.Warn("point use rejected", "request_id", cmd.RequestID, "error", err)
		return transact(s.db, func(tx *dbx.Tx) error {
			return s.stageUsedEvent(tx, cmd, false, err.Error())
		})
	}
	return nil
}

func (s *PointService) stageUsedEvent(tx dbx.Builder, cmd models.UsePointCommand, success bool, reason string) error {
	event, err := models.NewOutboxEvent(models.TopicPointUsedEvent, cmd.RequestID, models.PointUsedEvent{
		PaymentID:     cmd.PaymentID,
		ReservationID: cmd.ReservationID,
		UserID:        cmd.UserID,
		RequestID:     cmd.RequestID,
		Amount:        cmd.Amount,
		Success:       success,
		Reason:        reason,
	}, s.clock.Now())
	if err != nil {
		return err
	}
	return s.outbox.Insert(tx, event)
}

// HandleRefundPoint consumes a RefundPointCommand and restores the original
// deduction. The refund carries its own derived request id so it is
// idempotent too.
func (s *PointService) HandleRefundPoint(ctx context.Context, payload []byte) error {
	var cmd models.RefundPointCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("unmarshal refund point command: %w", err)
	}
	refundID := models.RefundRequestID(cmd.RequestID)

	err := s.retryer.Run(ctx, "point.refund", func(ctx context.Context) error {
		return transact(s.db, func(tx *dbx.Tx) error {
			if err := s.guard.Claim(tx, refundID, cmd.UserID, models.ResourcePoint); err != nil {
				return err
			}
			used, err := s.points.GetUseHistory(tx, cmd.UserID, cmd.RequestID)
			if err != nil {
				return err
			}
			point, err := s.points.GetByUserForUpdate(tx, cmd.UserID)
			if err != nil {
				return err
			}
			history, err := point.RefundTo(used, refundID, s.clock.Now())
			if err != nil {
				return err
			}
			if err := s.points.Save(tx, point); err != nil {
				return err
			}
			if err := s.points.InsertHistory(tx, history); err != nil {
				return err
			}
			if err := s.guard.BindResource(tx, refundID, cmd.UserID, models.ResourcePoint, history.ID); err != nil {
				return err
			}
			event, err := models.NewOutboxEvent(models.TopicPointRefundedEvent, refundID, models.PointRefundedEvent{
				PaymentID: cmd.PaymentID,
				UserID:    cmd.UserID,
				RequestID: cmd.RequestID,
				Amount:    history.Amount,
			}, s.clock.Now())
			if err != nil {
				return err
			}
			return s.outbox.Insert(tx, event)
		})
	})
	if status.IsDuplicate(err) {
		s.logger.Info("refund command replayed", "request_id", cmd.RequestID)
		return nil
	}
	return err
}
