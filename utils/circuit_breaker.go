package utils

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker is rejecting calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

type Counts struct {
	Requests       uint32
	TotalSuccesses uint32
	TotalFailures  uint32
}

// CircuitBreaker guards an external dependency, mainly the message broker
// publish path. Closed counts outcomes over a rolling interval and trips open
// once the failure ratio crosses the threshold; open rejects everything until
// the cooldown lapses; half-open lets a bounded probe through and closes on
// the first success.
type CircuitBreaker struct {
	name         string
	maxRequests  uint32
	interval     time.Duration
	timeout      time.Duration
	failureRatio float64

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

func NewCircuitBreaker(name string) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxRequests:  10,
		interval:     60 * time.Second,
		timeout:      30 * time.Second,
		failureRatio: 0.6,
		state:        StateClosed,
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(time.Now())
}

// Execute runs fn if the breaker allows it and records the outcome. A panic
// counts as a failure and re-panics.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(false)
			panic(r)
		}
	}()

	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh(time.Now()) {
	case StateOpen:
		return ErrBreakerOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.maxRequests {
			return ErrBreakerOpen
		}
	}
	cb.counts.Requests++
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.refresh(time.Now())
	if success {
		cb.counts.TotalSuccesses++
		if state == StateHalfOpen {
			cb.close()
		}
		return
	}

	cb.counts.TotalFailures++
	if state == StateHalfOpen || cb.readyToTrip() {
		cb.state = StateOpen
		cb.counts = Counts{}
		cb.expiry = time.Now().Add(cb.timeout)
	}
}

func (cb *CircuitBreaker) readyToTrip() bool {
	return cb.counts.Requests >= cb.maxRequests &&
		float64(cb.counts.TotalFailures)/float64(cb.counts.Requests) >= cb.failureRatio
}

// refresh applies timer-driven transitions and returns the current state.
// Callers hold cb.mu.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts = Counts{}
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.state = StateHalfOpen
			cb.counts = Counts{}
			cb.expiry = time.Time{}
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.counts = Counts{}
	cb.expiry = time.Now().Add(cb.interval)
}
