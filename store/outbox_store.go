package store

import (
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/models"
)

type outboxRecord struct {
	ID            int64      `db:"id"`
	Topic         string     `db:"topic"`
	AggregateType string     `db:"aggregate_type"`
	AggregateID   string     `db:"aggregate_id"`
	EventType     string     `db:"event_type"`
	Payload       []byte     `db:"payload"`
	Status        string     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	LastError     string     `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	PublishedAt   *time.Time `db:"published_at"`
}

func (r *outboxRecord) toModel() *models.OutboxEvent {
	return &models.OutboxEvent{
		ID:            r.ID,
		Topic:         r.Topic,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       r.Payload,
		Status:        models.OutboxStatus(r.Status),
		RetryCount:    r.RetryCount,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		PublishedAt:   r.PublishedAt,
	}
}

type OutboxStore struct{}

func NewOutboxStore() *OutboxStore { return &OutboxStore{} }

// Insert stages the event inside the caller's business transaction. That is
// the whole point of the outbox: the event commits or rolls back with the
// state change that produced it.
func (s *OutboxStore) Insert(db dbx.Builder, e *models.OutboxEvent) error {
	res, err := db.NewQuery(`
		INSERT INTO outbox_events (topic, aggregate_type, aggregate_id, event_type, payload, status, retry_count, created_at)
		VALUES ({:topic}, {:aggregate_type}, {:aggregate_id}, {:event_type}, {:payload}, {:status}, {:retry_count}, {:created_at})`).
		Bind(dbx.Params{
			"topic":          e.Topic,
			"aggregate_type": e.AggregateType,
			"aggregate_id":   e.AggregateID,
			"event_type":     e.EventType,
			"payload":        e.Payload,
			"status":         string(e.Status),
			"retry_count":    e.RetryCount,
			"created_at":     e.CreatedAt,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListPending returns the oldest unpublished events, oldest first so
// per-aggregate ordering holds.
func (s *OutboxStore) ListPending(db dbx.Builder, limit int) ([]*models.OutboxEvent, error) {
	return s.listByStatus(db, models.OutboxPending, limit)
}

// ListRetryable returns FAILED events still under the retry budget.
func (s *OutboxStore) ListRetryable(db dbx.Builder, limit int) ([]*models.OutboxEvent, error) {
	var recs []outboxRecord
	err := db.NewQuery(`
		SELECT * FROM outbox_events
		WHERE status = {:status} AND retry_count < {:max}
		ORDER BY id LIMIT {:limit}`).
		Bind(dbx.Params{
			"status": string(models.OutboxFailed),
			"max":    models.MaxOutboxRetries,
			"limit":  limit,
		}).All(&recs)
	if err != nil {
		return nil, MapError(err)
	}
	return toModels(recs), nil
}

func (s *OutboxStore) listByStatus(db dbx.Builder, st models.OutboxStatus, limit int) ([]*models.OutboxEvent, error) {
	var recs []outboxRecord
	err := db.NewQuery(`
		SELECT * FROM outbox_events WHERE status = {:status} ORDER BY id LIMIT {:limit}`).
		Bind(dbx.Params{"status": string(st), "limit": limit}).All(&recs)
	if err != nil {
		return nil, MapError(err)
	}
	return toModels(recs), nil
}

func toModels(recs []outboxRecord) []*models.OutboxEvent {
	out := make([]*models.OutboxEvent, len(recs))
	for i := range recs {
		out[i] = recs[i].toModel()
	}
	return out
}

func (s *OutboxStore) MarkPublished(db dbx.Builder, e *models.OutboxEvent) error {
	_, err := db.NewQuery(`
		UPDATE outbox_events SET status = {:status}, published_at = {:published_at} WHERE id = {:id}`).
		Bind(dbx.Params{
			"status":       string(models.OutboxPublished),
			"published_at": e.PublishedAt,
			"id":           e.ID,
		}).Execute()
	return MapError(err)
}

func (s *OutboxStore) MarkFailed(db dbx.Builder, e *models.OutboxEvent) error {
	_, err := db.NewQuery(`
		UPDATE outbox_events SET status = {:status}, retry_count = {:retry_count}, last_error = {:last_error} WHERE id = {:id}`).
		Bind(dbx.Params{
			"status":      string(models.OutboxFailed),
			"retry_count": e.RetryCount,
			"last_error":  e.LastError,
			"id":          e.ID,
		}).Execute()
	return MapError(err)
}

// DeletePublishedBefore prunes PUBLISHED rows older than the retention
// cutoff. Returns how many rows went away.
func (s *OutboxStore) DeletePublishedBefore(db dbx.Builder, cutoff time.Time) (int64, error) {
	res, err := db.NewQuery(`
		DELETE FROM outbox_events
		WHERE status = {:status} AND published_at < {:cutoff}`).
		Bind(dbx.Params{
			"status": string(models.OutboxPublished),
			"cutoff": cutoff,
		}).Execute()
	if err != nil {
		return 0, MapError(err)
	}
	return res.RowsAffected()
}
