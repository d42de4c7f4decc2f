package models

import "time"

type QueueStatus string

const (
	QueueWaiting QueueStatus = "WAITING"
	QueueEntered QueueStatus = "ENTERED"
	QueueExpired QueueStatus = "EXPIRED"
)

// QueueToken is one user's place in the waiting room of a target (show).
// At most one non-expired token exists per (target, user).
type QueueToken struct {
	Token     string      `json:"token"`
	UserID    string      `json:"user_id"`
	TargetID  int64       `json:"target_id"`
	RequestID string      `json:"request_id,omitempty"`
	Status    QueueStatus `json:"status"`
	Position  int64       `json:"position"` // 1-based rank among WAITING, 0 once entered
	// EstimatedWaitSeconds projects when the token reaches the front, from
	// its position and the promotion cadence. Zero once entered.
	EstimatedWaitSeconds int64     `json:"estimated_wait_seconds"`
	ExpiresAt            time.Time `json:"expires_at"`
}

func (t *QueueToken) IsExpired(now time.Time) bool {
	return t.Status == QueueExpired || !now.Before(t.ExpiresAt)
}

// TTLSeconds re-derives the remaining lifetime, clamped at zero.
func (t *QueueToken) TTLSeconds(now time.Time) int64 {
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// Entered promotes a WAITING token, restarting its lifetime with the shorter
// active TTL. EXPIRED is terminal and never leaves that state.
func (t *QueueToken) Entered(now time.Time, activeTTL time.Duration) {
	t.Status = QueueEntered
	t.Position = 0
	t.ExpiresAt = now.Add(activeTTL)
}
