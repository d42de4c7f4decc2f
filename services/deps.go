package services

import (
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/models"
	"concert-ticketing/store"
)

// transact runs fn in a transaction and folds driver errors into the status
// sentinels.
func transact(db Database, fn func(*dbx.Tx) error) error {
	return store.MapError(db.Transactional(fn))
}

// Database is what the services need from the persistence handle: ad-hoc
// queries and a transaction boundary. *dbx.DB satisfies it.
type Database interface {
	dbx.Builder
	Transactional(fn func(*dbx.Tx) error) error
}

// The store interfaces below mirror the concrete stores in the store
// package. Services depend on these so tests can substitute fakes.

type PaymentStore interface {
	Insert(db dbx.Builder, p *models.Payment) error
	GetByID(db dbx.Builder, id int64) (*models.Payment, error)
	GetByIDForUpdate(db dbx.Builder, id int64) (*models.Payment, error)
	GetOpenByReservation(db dbx.Builder, reservationID int64) (*models.Payment, error)
	UpdateStatus(db dbx.Builder, p *models.Payment) error
	ListByUser(db dbx.Builder, userID string) ([]*models.Payment, error)
}

type PointStore interface {
	GetByUser(db dbx.Builder, userID string) (*models.Point, error)
	GetByUserForUpdate(db dbx.Builder, userID string) (*models.Point, error)
	CreateIfAbsent(db dbx.Builder, userID string) error
	Save(db dbx.Builder, p *models.Point) error
	InsertHistory(db dbx.Builder, h *models.PointHistory) error
	GetUseHistory(db dbx.Builder, userID, requestID string) (*models.PointHistory, error)
	ListHistory(db dbx.Builder, userID string, limit int) ([]*models.PointHistory, error)
}

type ReservationStore interface {
	Insert(db dbx.Builder, r *models.Reservation) error
	GetByID(db dbx.Builder, id int64) (*models.Reservation, error)
	GetByIDForUpdate(db dbx.Builder, id int64) (*models.Reservation, error)
	UpdateStatus(db dbx.Builder, r *models.Reservation) error
	DeleteSeats(db dbx.Builder, reservationID int64) error
	ListExpiredHolds(db dbx.Builder, now time.Time, limit int) ([]*models.Reservation, error)
}

type OutboxStore interface {
	Insert(db dbx.Builder, e *models.OutboxEvent) error
	ListPending(db dbx.Builder, limit int) ([]*models.OutboxEvent, error)
	ListRetryable(db dbx.Builder, limit int) ([]*models.OutboxEvent, error)
	MarkPublished(db dbx.Builder, e *models.OutboxEvent) error
	MarkFailed(db dbx.Builder, e *models.OutboxEvent) error
	DeletePublishedBefore(db dbx.Builder, cutoff time.Time) (int64, error)
}

type IdempotencyKeyStore interface {
	Insert(db dbx.Builder, k *models.IdempotencyKey) error
	Get(db dbx.Builder, requestID, userID string, resource models.ResourceType) (*models.IdempotencyKey, error)
	BindResource(db dbx.Builder, requestID, userID string, resource models.ResourceType, resourceID int64) error
}
