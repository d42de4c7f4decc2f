package store

import (
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/models"
	"concert-ticketing/status"
)

type pointRecord struct {
	ID      int64  `db:"id"`
	UserID  string `db:"user_id"`
	Balance int64  `db:"balance"`
	Version int64  `db:"version"`
}

type pointHistoryRecord struct {
	ID            int64     `db:"id"`
	PointID       int64     `db:"point_id"`
	UserID        string    `db:"user_id"`
	UseType       string    `db:"use_type"`
	Amount        int64     `db:"amount"`
	BeforeBalance int64     `db:"before_balance"`
	AfterBalance  int64     `db:"after_balance"`
	RequestID     string    `db:"request_id"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *pointHistoryRecord) toModel() *models.PointHistory {
	return &models.PointHistory{
		ID:            r.ID,
		PointID:       r.PointID,
		UserID:        r.UserID,
		UseType:       models.PointUseType(r.UseType),
		Amount:        r.Amount,
		BeforeBalance: r.BeforeBalance,
		AfterBalance:  r.AfterBalance,
		RequestID:     r.RequestID,
		CreatedAt:     r.CreatedAt,
	}
}

type PointStore struct{}

func NewPointStore() *PointStore { return &PointStore{} }

// GetByUserForUpdate row-locks the balance. All balance mutations go through
// this lock so concurrent spends serialize.
func (s *PointStore) GetByUserForUpdate(db dbx.Builder, userID string) (*models.Point, error) {
	var rec pointRecord
	err := db.NewQuery(`SELECT * FROM points WHERE user_id = {:user_id} FOR UPDATE`).
		Bind(dbx.Params{"user_id": userID}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return &models.Point{ID: rec.ID, UserID: rec.UserID, Balance: rec.Balance, Version: rec.Version}, nil
}

func (s *PointStore) GetByUser(db dbx.Builder, userID string) (*models.Point, error) {
	var rec pointRecord
	err := db.NewQuery(`SELECT * FROM points WHERE user_id = {:user_id}`).
		Bind(dbx.Params{"user_id": userID}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return &models.Point{ID: rec.ID, UserID: rec.UserID, Balance: rec.Balance, Version: rec.Version}, nil
}

// CreateIfAbsent seeds a zero balance row. A concurrent create is fine, the
// duplicate is swallowed.
func (s *PointStore) CreateIfAbsent(db dbx.Builder, userID string) error {
	_, err := db.NewQuery(`
		INSERT INTO points (user_id, balance, version) VALUES ({:user_id}, 0, 0)
		ON DUPLICATE KEY UPDATE id = id`).
		Bind(dbx.Params{"user_id": userID}).Execute()
	return MapError(err)
}

// Save writes the mutated balance guarded by the version the row was read at.
func (s *PointStore) Save(db dbx.Builder, p *models.Point) error {
	res, err := db.NewQuery(`
		UPDATE points SET balance = {:balance}, version = {:version}
		WHERE id = {:id} AND version = {:prev}`).
		Bind(dbx.Params{
			"balance": p.Balance,
			"version": p.Version,
			"id":      p.ID,
			"prev":    p.Version - 1,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: point %d version %d", status.ErrVersionConflict, p.ID, p.Version-1)
	}
	return nil
}

func (s *PointStore) InsertHistory(db dbx.Builder, h *models.PointHistory) error {
	res, err := db.NewQuery(`
		INSERT INTO point_histories (point_id, user_id, use_type, amount, before_balance, after_balance, request_id, created_at)
		VALUES ({:point_id}, {:user_id}, {:use_type}, {:amount}, {:before_balance}, {:after_balance}, {:request_id}, {:created_at})`).
		Bind(dbx.Params{
			"point_id":       h.PointID,
			"user_id":        h.UserID,
			"use_type":       string(h.UseType),
			"amount":         h.Amount,
			"before_balance": h.BeforeBalance,
			"after_balance":  h.AfterBalance,
			"request_id":     h.RequestID,
			"created_at":     h.CreatedAt,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	h.ID, err = res.LastInsertId()
	return err
}

// GetUseHistory finds the USE line a refund compensates.
func (s *PointStore) GetUseHistory(db dbx.Builder, userID, requestID string) (*models.PointHistory, error) {
	var rec pointHistoryRecord
	err := db.NewQuery(`
		SELECT * FROM point_histories
		WHERE user_id = {:user_id} AND request_id = {:request_id} AND use_type = {:use_type}`).
		Bind(dbx.Params{
			"user_id":    userID,
			"request_id": requestID,
			"use_type":   string(models.PointUse),
		}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return rec.toModel(), nil
}

func (s *PointStore) ListHistory(db dbx.Builder, userID string, limit int) ([]*models.PointHistory, error) {
	var recs []pointHistoryRecord
	err := db.NewQuery(`
		SELECT * FROM point_histories WHERE user_id = {:user_id}
		ORDER BY id DESC LIMIT {:limit}`).
		Bind(dbx.Params{"user_id": userID, "limit": limit}).All(&recs)
	if err != nil {
		return nil, MapError(err)
	}
	out := make([]*models.PointHistory, len(recs))
	for i := range recs {
		out[i] = recs[i].toModel()
	}
	return out, nil
}
