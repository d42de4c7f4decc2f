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
	"concert-ticketing/config"
	"concert-ticketing/models"
	"concert-ticketing/status"
)

var reservationTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	holdRequestIDA = "aaaa1111-2222-3333-4444-555566667777"
	holdRequestIDB = "bbbb1111-2222-3333-4444-555566667777"
)

type reservationFixture struct {
	service      *ReservationService
	reservations *fakeReservationStore
	outbox       *fakeOutboxStore
	locks        *fakeLockProvider
}

func setupTestReservationService(t *testing.T) *reservationFixture {
	t.Helper()
	guard, _, _ := newTestGuard(reservationTestNow)
	reservations := newFakeReservationStore()
	outbox := &fakeOutboxStore{}
	locks := newFakeLockProvider()
	retryer := NewRetryer(3, time.Millisecond, slog.Default())
	cfg := &config.Config{
		LockWaitTimeout:   time.Second,
		LockLeaseTime:     5 * time.Second,
		HoldSweepInterval: time.Minute,
	}

	service := NewReservationService(&fakeDB{}, reservations, outbox, guard, retryer, locks, cfg, clock.Fixed{T: reservationTestNow}, slog.Default())
	return &reservationFixture{service: service, reservations: reservations, outbox: outbox, locks: locks}
}

func TestReservationService_Hold_ReservesSeats(t *testing.T) {
	f := setupTestReservationService(t)

	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{12, 11},
		TotalAmount: 30_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ReservationHold, reservation.Status)
	assert.Equal(t, reservationTestNow.Add(models.HoldDuration), reservation.ExpiresAt)
	assert.Equal(t, []int64{11, 12}, reservation.SeatIDs)
	assert.NotEmpty(t, reservation.ReservationCode)

	// Seat locks go lowest id first so overlapping holds cannot deadlock.
	assert.Equal(t, []string{"seat:7:11", "seat:7:12"}, f.locks.acquired)
}

func TestReservationService_Hold_SecondUserSameSeatConflicts(t *testing.T) {
	f := setupTestReservationService(t)

	_, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	_, err = f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-2",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDB,
	})
	assert.ErrorIs(t, err, status.ErrConflict)
}

func TestReservationService_Hold_SameRequestIDReplays(t *testing.T) {
	f := setupTestReservationService(t)

	req := HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11, 12},
		TotalAmount: 30_000,
		RequestID:   holdRequestIDA,
	}
	first, err := f.service.Hold(context.Background(), req)
	require.NoError(t, err)

	second, err := f.service.Hold(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ReservationCode, second.ReservationCode)
}

func TestReservationService_Hold_LockContentionSurfacesOverloaded(t *testing.T) {
	f := setupTestReservationService(t)
	f.locks.fail["seat:7:11"] = status.ErrLockWaitTimeout

	_, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	assert.ErrorIs(t, err, status.ErrOverloaded)
}

func TestReservationService_Hold_RejectsShortRequestID(t *testing.T) {
	f := setupTestReservationService(t)

	_, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   "short",
	})
	assert.ErrorIs(t, err, status.ErrValidation)
	assert.Empty(t, f.locks.acquired)
}

func TestReservationService_Get_ExpiredHoldIsGone(t *testing.T) {
	f := setupTestReservationService(t)

	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	got, err := f.service.Get(context.Background(), reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.ID, got.ID)

	reservation.ExpiresAt = reservationTestNow.Add(-time.Second)
	require.NoError(t, f.reservations.UpdateStatus(nil, reservation))

	_, err = f.service.Get(context.Background(), reservation.ID)
	assert.ErrorIs(t, err, status.ErrTokenExpired)
}

func confirmPayload(t *testing.T, reservationID int64) []byte {
	t.Helper()
	payload, err := json.Marshal(models.ConfirmSeatsCommand{
		PaymentID:     1,
		ReservationID: reservationID,
		UserID:        "user-1",
		RequestID:     holdRequestIDA,
	})
	require.NoError(t, err)
	return payload
}

func TestReservationService_HandleConfirmSeats_ConfirmsLiveHold(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), confirmPayload(t, reservation.ID)))

	stored, err := f.reservations.GetByID(nil, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, stored.Status)

	staged := f.outbox.staged(models.TopicSeatsConfirmedEvent)
	require.Len(t, staged, 1)
	var ev models.SeatsConfirmedEvent
	require.NoError(t, json.Unmarshal(staged[0].Payload, &ev))
	assert.True(t, ev.Success)
	assert.Equal(t, reservation.ID, ev.ReservationID)
}

func TestReservationService_HandleConfirmSeats_RedeliveryReannouncesSuccess(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	payload := confirmPayload(t, reservation.ID)
	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), payload))
	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), payload))

	staged := f.outbox.staged(models.TopicSeatsConfirmedEvent)
	require.Len(t, staged, 2)
	for _, e := range staged {
		var ev models.SeatsConfirmedEvent
		require.NoError(t, json.Unmarshal(e.Payload, &ev))
		assert.True(t, ev.Success)
	}
}

func TestReservationService_HandleConfirmSeats_OtherPaymentCannotClaimConfirmation(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), confirmPayload(t, reservation.ID)))

	rival, err := json.Marshal(models.ConfirmSeatsCommand{
		PaymentID:     2,
		ReservationID: reservation.ID,
		UserID:        "user-1",
		RequestID:     holdRequestIDB,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), rival))

	stored, err := f.reservations.GetByID(nil, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ConfirmedPaymentID)

	staged := f.outbox.staged(models.TopicSeatsConfirmedEvent)
	require.Len(t, staged, 2)
	var ev models.SeatsConfirmedEvent
	require.NoError(t, json.Unmarshal(staged[1].Payload, &ev))
	assert.False(t, ev.Success)
	assert.Equal(t, int64(2), ev.PaymentID)
	assert.NotEmpty(t, ev.Reason)
}

func TestReservationService_HandleConfirmSeats_ExpiredHoldCancelsAndReportsFailure(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	reservation.ExpiresAt = reservationTestNow.Add(-time.Second)
	require.NoError(t, f.reservations.UpdateStatus(nil, reservation))

	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), confirmPayload(t, reservation.ID)))

	stored, err := f.reservations.GetByID(nil, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, stored.Status)
	// The seats go back to the pool.
	assert.Empty(t, f.reservations.seats)

	staged := f.outbox.staged(models.TopicSeatsConfirmedEvent)
	require.Len(t, staged, 1)
	var ev models.SeatsConfirmedEvent
	require.NoError(t, json.Unmarshal(staged[0].Payload, &ev))
	assert.False(t, ev.Success)
	assert.NotEmpty(t, ev.Reason)
}

func cancelPayload(t *testing.T, reservationID int64) []byte {
	t.Helper()
	payload, err := json.Marshal(models.CancelSeatsCommand{
		PaymentID:     1,
		ReservationID: reservationID,
		UserID:        "user-1",
		RequestID:     holdRequestIDA,
	})
	require.NoError(t, err)
	return payload
}

func TestReservationService_HandleCancelSeats_ReleasesHold(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleCancelSeats(context.Background(), cancelPayload(t, reservation.ID)))

	stored, err := f.reservations.GetByID(nil, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, stored.Status)
	assert.Empty(t, f.reservations.seats)

	staged := f.outbox.staged(models.TopicSeatsCancelledEvent)
	require.Len(t, staged, 1)
	var ev models.SeatsCancelledEvent
	require.NoError(t, json.Unmarshal(staged[0].Payload, &ev))
	assert.Equal(t, reservation.ID, ev.ReservationID)
}

func TestReservationService_HandleCancelSeats_RedeliveryReannounces(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)

	payload := cancelPayload(t, reservation.ID)
	require.NoError(t, f.service.HandleCancelSeats(context.Background(), payload))
	require.NoError(t, f.service.HandleCancelSeats(context.Background(), payload))

	stored, err := f.reservations.GetByID(nil, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, stored.Status)
	assert.Len(t, f.outbox.staged(models.TopicSeatsCancelledEvent), 2)
}

func TestReservationService_HandleCancelSeats_ConfirmedReservationIsUntouched(t *testing.T) {
	f := setupTestReservationService(t)
	reservation, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.HandleConfirmSeats(context.Background(), confirmPayload(t, reservation.ID)))

	require.NoError(t, f.service.HandleCancelSeats(context.Background(), cancelPayload(t, reservation.ID)))

	stored, err := f.reservations.GetByID(nil, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, stored.Status)
	assert.Empty(t, f.outbox.staged(models.TopicSeatsCancelledEvent))
}

func TestReservationService_SweepExpiredHolds(t *testing.T) {
	f := setupTestReservationService(t)

	expired, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)
	expired.ExpiresAt = reservationTestNow.Add(-time.Second)
	require.NoError(t, f.reservations.UpdateStatus(nil, expired))

	live, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-2",
		ScheduleID:  7,
		SeatIDs:     []int64{12},
		TotalAmount: 15_000,
		RequestID:   holdRequestIDB,
	})
	require.NoError(t, err)

	f.service.sweepExpiredHolds(context.Background())

	stored, err := f.reservations.GetByID(nil, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, stored.Status)

	stored, err = f.reservations.GetByID(nil, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationHold, stored.Status)

	// Only the live hold's seat stays taken.
	assert.Len(t, f.reservations.seats, 1)
	_, taken := f.reservations.seats[seatIndexKey(7, 12)]
	assert.True(t, taken)
}

func TestReservationService_Hold_ReleasesLocksOnSuccess(t *testing.T) {
	f := setupTestReservationService(t)

	_, err := f.service.Hold(context.Background(), HoldRequest{
		UserID:      "user-1",
		ScheduleID:  7,
		SeatIDs:     []int64{11, 12, 13},
		TotalAmount: 45_000,
		RequestID:   holdRequestIDA,
	})
	require.NoError(t, err)
	assert.Len(t, f.locks.acquired, 3)
}
