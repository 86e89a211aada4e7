package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed is normal operation, calls pass through.
	StateClosed State = iota
	// StateOpen blocks calls after too many failures.
	StateOpen
	// StateHalfOpen allows a single trial call after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is the per-collaborator circuit breaker. It is the only state
// shared across all concurrent requests touching that collaborator;
// every transition is a single locked read-modify-write so simultaneous
// failures cannot race a transition.
type Breaker struct {
	service   string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	halfOpenActive bool

	// onTransition is invoked outside the hot path decisions but under
	// the lock, so transition order matches audit order.
	onTransition func(service string, from, to State, failures int)
}

// NewBreaker creates a closed breaker for one service.
func NewBreaker(service string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		service:   service,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed. In half-open it admits
// exactly one trial; the returned release func must be called when that
// trial completes.
func (b *Breaker) Allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, nil
		}
		b.transitionTo(StateHalfOpen)
		return b.tryHalfOpen()
	case StateHalfOpen:
		return b.tryHalfOpen()
	}
	return false, nil
}

// tryHalfOpen admits the single trial call. Lock held.
func (b *Breaker) tryHalfOpen() (bool, func()) {
	if b.halfOpenActive {
		return false, nil
	}
	b.halfOpenActive = true
	return true, func() {
		b.mu.Lock()
		b.halfOpenActive = false
		b.mu.Unlock()
	}
}

// RecordSuccess resets the failure counter and closes a half-open
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure counts a failed call, opening the breaker at the
// threshold or re-opening from half-open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// transitionTo changes state. Lock held.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	b.state = to
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if to == StateClosed {
		b.failures = 0
	}
	if b.onTransition != nil {
		b.onTransition(b.service, from, to, b.failures)
	}
}
