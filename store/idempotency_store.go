package store

import (
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/models"
	"concert-ticketing/status"
)

type idempotencyRecord struct {
	ID           int64     `db:"id"`
	RequestID    string    `db:"request_id"`
	UserID       string    `db:"user_id"`
	ResourceType string    `db:"resource_type"`
	ResourceID   int64     `db:"resource_id"`
	CreatedAt    time.Time `db:"created_at"`
}

type IdempotencyStore struct{}

func NewIdempotencyStore() *IdempotencyStore { return &IdempotencyStore{} }

// Insert claims the key. The unique index on (request_id, user_id,
// resource_type) makes the second writer lose with ErrDuplicateKey.
func (s *IdempotencyStore) Insert(db dbx.Builder, k *models.IdempotencyKey) error {
	res, err := db.NewQuery(`
		INSERT INTO idempotency_keys (request_id, user_id, resource_type, created_at)
		VALUES ({:request_id}, {:user_id}, {:resource_type}, {:created_at})`).
		Bind(dbx.Params{
			"request_id":    k.RequestID,
			"user_id":       k.UserID,
			"resource_type": string(k.ResourceType),
			"created_at":    k.CreatedAt,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	k.ID, err = res.LastInsertId()
	return err
}

// BindResource records which row the claimed operation produced. Runs in the
// same transaction as the resource insert, so the binding commits with it.
func (s *IdempotencyStore) BindResource(db dbx.Builder, requestID, userID string, resource models.ResourceType, resourceID int64) error {
	res, err := db.NewQuery(`
		UPDATE idempotency_keys SET resource_id = {:resource_id}
		WHERE request_id = {:request_id} AND user_id = {:user_id} AND resource_type = {:resource_type}`).
		Bind(dbx.Params{
			"resource_id":   resourceID,
			"request_id":    requestID,
			"user_id":       userID,
			"resource_type": string(resource),
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: idempotency key %s/%s/%s", status.ErrNotFound, requestID, userID, resource)
	}
	return nil
}

func (s *IdempotencyStore) Get(db dbx.Builder, requestID, userID string, resource models.ResourceType) (*models.IdempotencyKey, error) {
	var rec idempotencyRecord
	err := db.NewQuery(`
		SELECT * FROM idempotency_keys
		WHERE request_id = {:request_id} AND user_id = {:user_id} AND resource_type = {:resource_type}`).
		Bind(dbx.Params{
			"request_id":    requestID,
			"user_id":       userID,
			"resource_type": string(resource),
		}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return &models.IdempotencyKey{
		ID:           rec.ID,
		RequestID:    rec.RequestID,
		UserID:       rec.UserID,
		ResourceType: models.ResourceType(rec.ResourceType),
		ResourceID:   rec.ResourceID,
		CreatedAt:    rec.CreatedAt,
	}, nil
}
