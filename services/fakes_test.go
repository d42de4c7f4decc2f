package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/dbx"

	"concert-ticketing/clock"
	"concert-ticketing/lock"
	"concert-ticketing/models"
	"concert-ticketing/status"
)

// fakeDB satisfies Database without a real connection. Transactions just run
// the function; the fake stores ignore the nil builder.
type fakeDB struct {
	dbx.Builder
}

func (f *fakeDB) Transactional(fn func(*dbx.Tx) error) error {
	return fn(nil)
}

type fakePaymentStore struct {
	mu        sync.Mutex
	nextID    int64
	byID      map[int64]models.Payment
	byRequest map[string]int64
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{byID: map[int64]models.Payment{}, byRequest: map[string]int64{}}
}

func (f *fakePaymentStore) Insert(_ dbx.Builder, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.byRequest[p.RequestID]; dup {
		return fmt.Errorf("%w: payments.request_id", status.ErrDuplicateKey)
	}
	f.nextID++
	p.ID = f.nextID
	f.byID[p.ID] = *p
	f.byRequest[p.RequestID] = p.ID
	return nil
}

func (f *fakePaymentStore) GetByID(_ dbx.Builder, id int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", status.ErrNotFound, id)
	}
	out := p
	return &out, nil
}

func (f *fakePaymentStore) GetByIDForUpdate(db dbx.Builder, id int64) (*models.Payment, error) {
	return f.GetByID(db, id)
}

func (f *fakePaymentStore) GetOpenByReservation(_ dbx.Builder, reservationID int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := int64(1); id <= f.nextID; id++ {
		if p, ok := f.byID[id]; ok && p.ReservationID == reservationID && p.Status != models.PaymentFailed {
			out := p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: open payment for reservation %d", status.ErrNotFound, reservationID)
}

func (f *fakePaymentStore) UpdateStatus(_ dbx.Builder, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[p.ID] = *p
	return nil
}

func (f *fakePaymentStore) ListByUser(_ dbx.Builder, userID string) ([]*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Payment
	for id := int64(1); id <= f.nextID; id++ {
		if p, ok := f.byID[id]; ok && p.UserID == userID {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakePointStore struct {
	mu        sync.Mutex
	points    map[string]models.Point
	histories []models.PointHistory
	nextID    int64
}

func newFakePointStore() *fakePointStore {
	return &fakePointStore{points: map[string]models.Point{}}
}

func (f *fakePointStore) GetByUser(_ dbx.Builder, userID string) (*models.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[userID]
	if !ok {
		return nil, fmt.Errorf("%w: point for %s", status.ErrNotFound, userID)
	}
	out := p
	return &out, nil
}

func (f *fakePointStore) GetByUserForUpdate(db dbx.Builder, userID string) (*models.Point, error) {
	return f.GetByUser(db, userID)
}

func (f *fakePointStore) CreateIfAbsent(_ dbx.Builder, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.points[userID]; !ok {
		f.nextID++
		f.points[userID] = models.Point{ID: f.nextID, UserID: userID}
	}
	return nil
}

func (f *fakePointStore) Save(_ dbx.Builder, p *models.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.points[p.UserID]
	if current.Version != p.Version-1 {
		return fmt.Errorf("%w: point %d", status.ErrVersionConflict, p.ID)
	}
	f.points[p.UserID] = *p
	return nil
}

func (f *fakePointStore) InsertHistory(_ dbx.Builder, h *models.PointHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.ID = int64(len(f.histories) + 1)
	f.histories = append(f.histories, *h)
	return nil
}

func (f *fakePointStore) GetUseHistory(_ dbx.Builder, userID, requestID string) (*models.PointHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.histories {
		if h.UserID == userID && h.RequestID == requestID && h.UseType == models.PointUse {
			out := h
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: use history for %s", status.ErrNotFound, requestID)
}

func (f *fakePointStore) ListHistory(_ dbx.Builder, userID string, limit int) ([]*models.PointHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PointHistory
	for i := len(f.histories) - 1; i >= 0 && len(out) < limit; i-- {
		if f.histories[i].UserID == userID {
			cp := f.histories[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeReservationStore struct {
	mu        sync.Mutex
	nextID    int64
	byID      map[int64]models.Reservation
	byRequest map[string]int64
	seats     map[string]int64 // "schedule:seat" -> reservation id
}

func newFakeReservationStore() *fakeReservationStore {
	return &fakeReservationStore{
		byID:      map[int64]models.Reservation{},
		byRequest: map[string]int64{},
		seats:     map[string]int64{},
	}
}

func seatIndexKey(scheduleID, seatID int64) string {
	return fmt.Sprintf("%d:%d", scheduleID, seatID)
}

func (f *fakeReservationStore) Insert(_ dbx.Builder, r *models.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seatID := range r.SeatIDs {
		if _, taken := f.seats[seatIndexKey(r.ScheduleID, seatID)]; taken {
			return fmt.Errorf("%w: reservation_seats", status.ErrDuplicateKey)
		}
	}
	if _, dup := f.byRequest[r.RequestID]; dup {
		return fmt.Errorf("%w: reservations.request_id", status.ErrDuplicateKey)
	}
	f.nextID++
	r.ID = f.nextID
	f.byID[r.ID] = *r
	f.byRequest[r.RequestID] = r.ID
	for _, seatID := range r.SeatIDs {
		f.seats[seatIndexKey(r.ScheduleID, seatID)] = r.ID
	}
	return nil
}

func (f *fakeReservationStore) GetByID(_ dbx.Builder, id int64) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %d", status.ErrNotFound, id)
	}
	out := r
	return &out, nil
}

func (f *fakeReservationStore) GetByIDForUpdate(db dbx.Builder, id int64) (*models.Reservation, error) {
	return f.GetByID(db, id)
}

func (f *fakeReservationStore) UpdateStatus(_ dbx.Builder, r *models.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[r.ID] = *r
	return nil
}

func (f *fakeReservationStore) DeleteSeats(_ dbx.Builder, reservationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, id := range f.seats {
		if id == reservationID {
			delete(f.seats, key)
		}
	}
	return nil
}

func (f *fakeReservationStore) ListExpiredHolds(_ dbx.Builder, now time.Time, limit int) ([]*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Reservation
	for id := int64(1); id <= f.nextID && len(out) < limit; id++ {
		r, ok := f.byID[id]
		if ok && r.Status == models.ReservationHold && !now.Before(r.ExpiresAt) {
			cp := r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeOutboxStore struct {
	mu                sync.Mutex
	events            []models.OutboxEvent
	failMarkPublished error
}

func (f *fakeOutboxStore) Insert(_ dbx.Builder, e *models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeOutboxStore) list(filter func(models.OutboxEvent) bool, limit int) []*models.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OutboxEvent
	for _, e := range f.events {
		if len(out) == limit {
			break
		}
		if filter(e) {
			cp := e
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeOutboxStore) ListPending(_ dbx.Builder, limit int) ([]*models.OutboxEvent, error) {
	return f.list(func(e models.OutboxEvent) bool { return e.Status == models.OutboxPending }, limit), nil
}

func (f *fakeOutboxStore) ListRetryable(_ dbx.Builder, limit int) ([]*models.OutboxEvent, error) {
	return f.list(func(e models.OutboxEvent) bool { return e.Retryable() }, limit), nil
}

func (f *fakeOutboxStore) MarkPublished(_ dbx.Builder, e *models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarkPublished != nil {
		return f.failMarkPublished
	}
	f.events[e.ID-1] = *e
	return nil
}

func (f *fakeOutboxStore) MarkFailed(_ dbx.Builder, e *models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.ID-1] = *e
	return nil
}

func (f *fakeOutboxStore) DeletePublishedBefore(_ dbx.Builder, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []models.OutboxEvent
	var deleted int64
	for _, e := range f.events {
		if e.Status == models.OutboxPublished && e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	f.events = kept
	return deleted, nil
}

// staged returns the staged events for a topic, decoded by the caller.
func (f *fakeOutboxStore) staged(topic string) []models.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range f.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type fakeIdemStore struct {
	mu     sync.Mutex
	claims map[string]models.IdempotencyKey
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{claims: map[string]models.IdempotencyKey{}}
}

func claimKey(requestID, userID string, resource models.ResourceType) string {
	return fmt.Sprintf("%s|%s|%s", requestID, userID, resource)
}

func (f *fakeIdemStore) Insert(_ dbx.Builder, k *models.IdempotencyKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := claimKey(k.RequestID, k.UserID, k.ResourceType)
	if _, dup := f.claims[key]; dup {
		return fmt.Errorf("%w: idempotency_keys", status.ErrDuplicateKey)
	}
	k.ID = int64(len(f.claims) + 1)
	f.claims[key] = *k
	return nil
}

func (f *fakeIdemStore) BindResource(_ dbx.Builder, requestID, userID string, resource models.ResourceType, resourceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := claimKey(requestID, userID, resource)
	k, ok := f.claims[key]
	if !ok {
		return fmt.Errorf("%w: idempotency key", status.ErrNotFound)
	}
	k.ResourceID = resourceID
	f.claims[key] = k
	return nil
}

func (f *fakeIdemStore) Get(_ dbx.Builder, requestID, userID string, resource models.ResourceType) (*models.IdempotencyKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.claims[claimKey(requestID, userID, resource)]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key", status.ErrNotFound)
	}
	out := k
	return &out, nil
}

type fakeLock struct{ released bool }

func (l *fakeLock) Release(ctx context.Context) error {
	l.released = true
	return nil
}

type fakeLockProvider struct {
	mu       sync.Mutex
	acquired []string
	fail     map[string]error
}

func newFakeLockProvider() *fakeLockProvider {
	return &fakeLockProvider{fail: map[string]error{}}
}

func (p *fakeLockProvider) Acquire(ctx context.Context, key string, wait, lease time.Duration) (lock.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[key]; ok {
		return nil, err
	}
	p.acquired = append(p.acquired, key)
	return &fakeLock{}, nil
}

// newTestGuard builds an IdempotencyGuard over redismock with every cache
// read missing, which forces the durable path.
func newTestGuard(fixed time.Time) (*IdempotencyGuard, *fakeIdemStore, redismock.ClientMock) {
	rdb, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)
	idem := newFakeIdemStore()
	guard := NewIdempotencyGuard(rdb, idem, clock.Fixed{T: fixed}, slog.Default())
	return guard, idem, mock
}
