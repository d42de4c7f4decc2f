package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concert-ticketing/clock"
	"concert-ticketing/models"
	"concert-ticketing/status"
)

var pointTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const chargeRequestID = "12121212-3434-5656-7878-909090909090"

type pointFixture struct {
	service *PointService
	points  *fakePointStore
	outbox  *fakeOutboxStore
}

func setupTestPointService(t *testing.T) *pointFixture {
	t.Helper()
	guard, _, _ := newTestGuard(pointTestNow)
	points := newFakePointStore()
	outbox := &fakeOutboxStore{}
	retryer := NewRetryer(3, time.Millisecond, slog.Default())

	service := NewPointService(&fakeDB{}, points, outbox, guard, retryer, clock.Fixed{T: pointTestNow}, slog.Default())
	return &pointFixture{service: service, points: points, outbox: outbox}
}

func TestPointService_Charge_CreatesAccountAndLedgerLine(t *testing.T) {
	f := setupTestPointService(t)

	result, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, int64(50_000), result.Balance)

	require.Len(t, f.points.histories, 1)
	h := f.points.histories[0]
	assert.Equal(t, models.PointCharge, h.UseType)
	assert.Equal(t, int64(50_000), h.Amount)
	assert.Equal(t, int64(0), h.BeforeBalance)
	assert.Equal(t, int64(50_000), h.AfterBalance)
}

func TestPointService_Charge_SameRequestIDChargesOnce(t *testing.T) {
	f := setupTestPointService(t)

	first, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)

	second, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)

	assert.Equal(t, first.Balance, second.Balance)
	assert.Len(t, f.points.histories, 1)
}

func TestPointService_Charge_RejectsOverLimit(t *testing.T) {
	f := setupTestPointService(t)

	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, models.MaxChargeAmount+1)
	assert.ErrorIs(t, err, status.ErrChargeLimitExceeded)
	assert.Empty(t, f.points.histories)
}

func TestPointService_Charge_RejectsNonPositiveAmount(t *testing.T) {
	f := setupTestPointService(t)

	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 0)
	assert.ErrorIs(t, err, status.ErrValidation)
}

func TestPointService_Balance_UnknownUser(t *testing.T) {
	f := setupTestPointService(t)

	_, err := f.service.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestPointService_History_NewestFirst(t *testing.T) {
	f := setupTestPointService(t)

	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 10_000)
	require.NoError(t, err)
	_, err = f.service.Charge(context.Background(), "user-1", "21212121-3434-5656-7878-909090909090", 5_000)
	require.NoError(t, err)

	history, err := f.service.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(5_000), history[0].Amount)
	assert.Equal(t, int64(10_000), history[1].Amount)
}

func usePointPayload(t *testing.T, amount int64) []byte {
	t.Helper()
	payload, err := json.Marshal(models.UsePointCommand{
		PaymentID:     1,
		ReservationID: 2,
		UserID:        "user-1",
		RequestID:     payRequestID,
		Amount:        amount,
	})
	require.NoError(t, err)
	return payload
}

func TestPointService_HandleUsePoint_DeductsAndReportsSuccess(t *testing.T) {
	f := setupTestPointService(t)
	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)

	require.NoError(t, f.service.HandleUsePoint(context.Background(), usePointPayload(t, 30_000)))

	point, err := f.points.GetByUser(nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), point.Balance)

	staged := f.outbox.staged(models.TopicPointUsedEvent)
	require.Len(t, staged, 1)
	var ev models.PointUsedEvent
	require.NoError(t, json.Unmarshal(staged[0].Payload, &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, int64(1), ev.PaymentID)
	assert.Equal(t, int64(30_000), ev.Amount)
}

func TestPointService_HandleUsePoint_InsufficientBalanceReportsFailure(t *testing.T) {
	f := setupTestPointService(t)
	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 10_000)
	require.NoError(t, err)

	// The handler absorbs the business rejection and reports it instead.
	require.NoError(t, f.service.HandleUsePoint(context.Background(), usePointPayload(t, 30_000)))

	point, err := f.points.GetByUser(nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), point.Balance)

	staged := f.outbox.staged(models.TopicPointUsedEvent)
	require.Len(t, staged, 1)
	var ev models.PointUsedEvent
	require.NoError(t, json.Unmarshal(staged[0].Payload, &ev))
	assert.False(t, ev.Success)
	assert.NotEmpty(t, ev.Reason)
}

func TestPointService_HandleUsePoint_RedeliveryDeductsOnce(t *testing.T) {
	f := setupTestPointService(t)
	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)

	payload := usePointPayload(t, 30_000)
	require.NoError(t, f.service.HandleUsePoint(context.Background(), payload))
	require.NoError(t, f.service.HandleUsePoint(context.Background(), payload))

	point, err := f.points.GetByUser(nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), point.Balance)
	assert.Len(t, f.outbox.staged(models.TopicPointUsedEvent), 1)
}

func TestPointService_HandleRefundPoint_RestoresDeduction(t *testing.T) {
	f := setupTestPointService(t)
	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)
	require.NoError(t, f.service.HandleUsePoint(context.Background(), usePointPayload(t, 30_000)))

	refund, err := json.Marshal(models.RefundPointCommand{
		PaymentID: 1,
		UserID:    "user-1",
		RequestID: payRequestID,
		Amount:    30_000,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleRefundPoint(context.Background(), refund))

	point, err := f.points.GetByUser(nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), point.Balance)

	// Ledger: charge, use, refund. Amounts sum to the final balance.
	require.Len(t, f.points.histories, 3)
	var sum int64
	for _, h := range f.points.histories {
		sum += h.Amount
	}
	assert.Equal(t, point.Balance, sum)
	last := f.points.histories[2]
	assert.Equal(t, models.PointRefund, last.UseType)
	assert.Equal(t, models.RefundRequestID(payRequestID), last.RequestID)

	refunded := f.outbox.staged(models.TopicPointRefundedEvent)
	require.Len(t, refunded, 1)
	var ev models.PointRefundedEvent
	require.NoError(t, json.Unmarshal(refunded[0].Payload, &ev))
	assert.Equal(t, int64(30_000), ev.Amount)
}

func TestPointService_HandleRefundPoint_RedeliveryRefundsOnce(t *testing.T) {
	f := setupTestPointService(t)
	_, err := f.service.Charge(context.Background(), "user-1", chargeRequestID, 50_000)
	require.NoError(t, err)
	require.NoError(t, f.service.HandleUsePoint(context.Background(), usePointPayload(t, 30_000)))

	refund, err := json.Marshal(models.RefundPointCommand{
		PaymentID: 1,
		UserID:    "user-1",
		RequestID: payRequestID,
		Amount:    30_000,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleRefundPoint(context.Background(), refund))
	require.NoError(t, f.service.HandleRefundPoint(context.Background(), refund))

	point, err := f.points.GetByUser(nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), point.Balance)
	assert.Len(t, f.points.histories, 3)
	assert.Len(t, f.outbox.staged(models.TopicPointRefundedEvent), 1)
}

func TestPointService_HandleRefundPoint_WithoutDeductionFails(t *testing.T) {
	f := setupTestPointService(t)

	refund, err := json.Marshal(models.RefundPointCommand{
		PaymentID: 1,
		UserID:    "user-1",
		RequestID: payRequestID,
		Amount:    30_000,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, f.service.HandleRefundPoint(context.Background(), refund), status.ErrNotFound)
}
