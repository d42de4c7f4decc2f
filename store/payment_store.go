package store

import (
	"time"

	"github.com/pocketbase/dbx"

	"concert-ticketing/models"
)

type paymentRecord struct {
	ID            int64      `db:"id"`
	ReservationID int64      `db:"reservation_id"`
	UserID        string     `db:"user_id"`
	PaymentCode   string     `db:"payment_code"`
	RequestID     string     `db:"request_id"`
	Amount        int64      `db:"amount"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	PaidAt        *time.Time `db:"paid_at"`
}

func (r *paymentRecord) toModel() *models.Payment {
	return &models.Payment{
		ID:            r.ID,
		ReservationID: r.ReservationID,
		UserID:        r.UserID,
		PaymentCode:   r.PaymentCode,
		RequestID:     r.RequestID,
		Amount:        r.Amount,
		Status:        models.PaymentStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		PaidAt:        r.PaidAt,
	}
}

type PaymentStore struct{}

func NewPaymentStore() *PaymentStore { return &PaymentStore{} }

// Insert persists a new payment and fills in its id. The unique index on
// request_id is what turns a concurrent duplicate into ErrDuplicateKey.
func (s *PaymentStore) Insert(db dbx.Builder, p *models.Payment) error {
	res, err := db.NewQuery(`
		INSERT INTO payments (reservation_id, user_id, payment_code, request_id, amount, status, paid_at)
		VALUES ({:reservation_id}, {:user_id}, {:payment_code}, {:request_id}, {:amount}, {:status}, {:paid_at})`).
		Bind(dbx.Params{
			"reservation_id": p.ReservationID,
			"user_id":        p.UserID,
			"payment_code":   p.PaymentCode,
			"request_id":     p.RequestID,
			"amount":         p.Amount,
			"status":         string(p.Status),
			"paid_at":        p.PaidAt,
		}).Execute()
	if err != nil {
		return MapError(err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *PaymentStore) GetByID(db dbx.Builder, id int64) (*models.Payment, error) {
	var rec paymentRecord
	err := db.NewQuery(`SELECT * FROM payments WHERE id = {:id}`).
		Bind(dbx.Params{"id": id}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return rec.toModel(), nil
}

// GetOpenByReservation finds the payment currently claiming the reservation,
// skipping FAILED ones. A reservation carries at most one non-failed payment.
func (s *PaymentStore) GetOpenByReservation(db dbx.Builder, reservationID int64) (*models.Payment, error) {
	var rec paymentRecord
	err := db.NewQuery(`
		SELECT * FROM payments
		WHERE reservation_id = {:reservation_id} AND status <> {:failed}
		LIMIT 1`).
		Bind(dbx.Params{
			"reservation_id": reservationID,
			"failed":         string(models.PaymentFailed),
		}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return rec.toModel(), nil
}

// GetByIDForUpdate row-locks the payment for a state transition.
func (s *PaymentStore) GetByIDForUpdate(db dbx.Builder, id int64) (*models.Payment, error) {
	var rec paymentRecord
	err := db.NewQuery(`SELECT * FROM payments WHERE id = {:id} FOR UPDATE`).
		Bind(dbx.Params{"id": id}).One(&rec)
	if err != nil {
		return nil, MapError(err)
	}
	return rec.toModel(), nil
}

func (s *PaymentStore) UpdateStatus(db dbx.Builder, p *models.Payment) error {
	_, err := db.NewQuery(`
		UPDATE payments SET status = {:status}, paid_at = {:paid_at} WHERE id = {:id}`).
		Bind(dbx.Params{
			"status":  string(p.Status),
			"paid_at": p.PaidAt,
			"id":      p.ID,
		}).Execute()
	return MapError(err)
}

func (s *PaymentStore) ListByUser(db dbx.Builder, userID string) ([]*models.Payment, error) {
	var recs []paymentRecord
	err := db.NewQuery(`SELECT * FROM payments WHERE user_id = {:user_id} ORDER BY id DESC`).
		Bind(dbx.Params{"user_id": userID}).All(&recs)
	if err != nil {
		return nil, MapError(err)
	}
	out := make([]*models.Payment, len(recs))
	for i := range recs {
		out[i] = recs[i].toModel()
	}
	return out, nil
}
