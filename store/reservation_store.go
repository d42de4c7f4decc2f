package store

import (
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/models"
	"concert-ticketing/status"
)

type reservationRecord struct {
	ID                 int64     `db:"id"`
	ReservationCode    string    `db:"reservation_code"`
	RequestID          string    `db:"request_id"`
	UserID             string    `db:"user_id"`
	ScheduleID         int64     `db:"schedule_id"`
	TotalAmount        int64     `db:"total_amount"`
	Status             string    `db:"status"`
	ConfirmedPaymentID int64     `db:"confirmed_payment_id"`
	ExpiresAt          time.Time `db:"expires_at"`
	Version            int64     `db:"version"`
}

type reservationSeatRecord struct {
	SeatID int64 `db:"seat_id"`
}

func (r *reservationRecord) toModel(seatIDs []int64) *models.Reservation {
	return &models.Reservation{
		ID:                 r.ID,
		ReservationCode:    r.ReservationCode,
		RequestID:          r.RequestID,
		UserID:             r.UserID,
		ScheduleID:         r.ScheduleID,
		SeatIDs:            seatIDs,
		TotalAmount:        r.TotalAmount,
		Status:             models.ReservationStatus(r.Status),
		ConfirmedPaymentID: r.ConfirmedPaymentID,
		ExpiresAt:          r.ExpiresAt,
		Version:            r.Version,
	}
}

type ReservationStore struct{}

func NewReservationStore() *ReservationStore { return &ReservationStore{} }

// Insert persists the reservation and its seat rows. The unique index on
// (schedule_id, seat_id) over live reservations is the last line of defense
// against double-booking.
func (s *ReservationStore) Insert(db dbx.Builder, r *models.Reservation) error {
	res, err := db.NewQuery(`
		INSERT INTO reservations (reservation_code, request_id, user_id, schedule_id, total_amount, status, expires_at, version)
		VALUES ({:code}, {:request_id}, {:user_id}, {:schedule_id}, {:total_amount}, {:status}, {:expires_at}, {:version})`).
		Bind(dbx.Params{
			"code":         r.ReservationCode,
			"request_id":   r.RequestID,
			"user_id":      r.UserID,
			"schedule_id":  r.ScheduleID,
			"total_amount": r.TotalAmount,
			"status":       string(r.Status),
			"expires_at":   r.ExpiresAt,
			"version":      r.Version,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, seatID := range r.SeatIDs {
		_, err = db.NewQuery(`
			INSERT INTO reservation_seats (reservation_id, schedule_id, seat_id)
			VALUES ({:reservation_id}, {:schedule_id}, {:seat_id})`).
			Bind(dbx.Params{
				"reservation_id": r.ID,
				"schedule_id":    r.ScheduleID,
				"seat_id":        seatID,
			}).Execute()
		if err != nil {
			return MapError(err)
		}
	}
	return nil
}

func (s *ReservationStore) GetByID(db dbx.Builder, id int64) (*models.Reservation, error) {
	return s.get(db, `SELECT * FROM reservations WHERE id = {:id}`, id)
}

// GetByIDForUpdate row-locks the reservation for confirm or cancel.
func (s *ReservationStore) GetByIDForUpdate(db dbx.Builder, id int64) (*models.Reservation, error) {
	return s.get(db, `SELECT * FROM reservations WHERE id = {:id} FOR UPDATE`, id)
}

func (s *ReservationStore) get(db dbx.Builder, query string, id int64) (*models.Reservation, error) {
	var rec reservationRecord
	err := db.NewQuery(query).Bind(dbx.Params{"id": id}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	seatIDs, err := s.seatIDs(db, rec.ID)
	if err != nil {
		return nil, err
	}
	return rec.toModel(seatIDs), nil
}

func (s *ReservationStore) seatIDs(db dbx.Builder, reservationID int64) ([]int64, error) {
	var seats []reservationSeatRecord
	err := db.NewQuery(`SELECT seat_id FROM reservation_seats WHERE reservation_id = {:id} ORDER BY seat_id`).
		Bind(dbx.Params{"id": reservationID}).All(&seats)
	if err != nil {
		return nil, MapError(err)
	}
	ids := make([]int64, len(seats))
	for i, seat := range seats {
		ids[i] = seat.SeatID
	}
	return ids, nil
}

// UpdateStatus writes the status guarded by the version the aggregate was
// read at.
func (s *ReservationStore) UpdateStatus(db dbx.Builder, r *models.Reservation) error {
	res, err := db.NewQuery(`
		UPDATE reservations SET status = {:status}, confirmed_payment_id = {:confirmed_payment_id}, version = {:version}
		WHERE id = {:id} AND version = {:prev}`).
		Bind(dbx.Params{
			"status":               string(r.Status),
			"confirmed_payment_id": r.ConfirmedPaymentID,
			"version":              r.Version,
			"id":                   r.ID,
			"prev":                 r.Version - 1,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: reservation %d version %d", status.ErrVersionConflict, r.ID, r.Version-1)
	}
	return nil
}

// DeleteSeats releases the seat rows of a cancelled reservation so the seats
// become bookable again.
func (s *ReservationStore) DeleteSeats(db dbx.Builder, reservationID int64) error {
	_, err := db.NewQuery(`DELETE FROM reservation_seats WHERE reservation_id = {:id}`).
		Bind(dbx.Params{"id": reservationID}).Execute()
	return MapError(err)
}

// ListExpiredHolds returns HOLD reservations whose window lapsed, for the
// background sweeper.
func (s *ReservationStore) ListExpiredHolds(db dbx.Builder, now time.Time, limit int) ([]*models.Reservation, error) {
	var recs []reservationRecord
	err := db.NewQuery(`
		SELECT * FROM reservations
		WHERE status = {:status} AND expires_at <= {:now}
		ORDER BY expires_at LIMIT {:limit}`).
		Bind(dbx.Params{
			"status": string(models.ReservationHold),
			"now":    now,
			"limit":  limit,
		}).All(&recs)
	if err != nil {
		return nil, MapError(err)
	}
	out := make([]*models.Reservation, len(recs))
	for i := range recs {
		seatIDs, err := s.seatIDs(db, recs[i].ID)
		if err != nil {
			return nil, err
		}
		out[i] = recs[i].toModel(seatIDs)
	}
	return out, nil
}
