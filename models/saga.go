package models

// Message topics. Commands tell one consumer to act; events announce what
// already happened.
const (
	TopicUsePointCommand     = "point.use.command"
	TopicRefundPointCommand  = "point.refund.command"
	TopicPointUsedEvent      = "point.used.event"
	TopicPointRefundedEvent  = "point.refunded.event"
	TopicConfirmSeatsCommand = "reservation.confirm.command"
	TopicCancelSeatsCommand  = "reservation.cancel.command"
	TopicSeatsConfirmedEvent = "reservation.confirmed.event"
	TopicSeatsCancelledEvent = "reservation.cancelled.event"
	TopicPaymentCompleted    = "payment.completed.event"
)

type UsePointCommand struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
	Amount        int64  `json:"amount"`
}

type RefundPointCommand struct {
	PaymentID int64  `json:"payment_id"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
}

// PointUsedEvent reports the outcome of a UsePointCommand. Success false
// carries the failure reason so the coordinator can log it.
type PointUsedEvent struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
	Amount        int64  `json:"amount"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

// PointRefundedEvent announces that a compensation credit landed. Nothing in
// the saga consumes it; it exists for reconciliation subscribers.
type PointRefundedEvent struct {
	PaymentID int64  `json:"payment_id"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
}

type ConfirmSeatsCommand struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
}

type CancelSeatsCommand struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
}

type SeatsConfirmedEvent struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

type SeatsCancelledEvent struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
}

// PaymentCompletedEvent is the terminal success announcement other systems
// subscribe to.
type PaymentCompletedEvent struct {
	PaymentID     int64  `json:"payment_id"`
	ReservationID int64  `json:"reservation_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
	Amount        int64  `json:"amount"`
}

// RefundRequestID derives the compensation request id from the original so
// the refund is itself idempotent.
func RefundRequestID(requestID string) string {
	return requestID + "-refund"
}
