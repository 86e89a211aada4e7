// Package resilience guards calls to unreliable collaborators with a
// per-service circuit breaker, a bounded retry policy, and a dead-letter
// fallback. Payloads that cannot be delivered are queued for out-of-band
// replay instead of being dropped.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signline/internal/domain"
	"signline/internal/events"
	"signline/internal/repo"
)

// ErrDeadLettered reports that the payload was queued for replay rather
// than delivered.
var ErrDeadLettered = errors.New("payload dead-lettered")

// ErrCircuitOpen reports that the breaker blocked the call without
// attempting it.
var ErrCircuitOpen = errors.New("circuit open")

// Kind enumerates the failure classes an operation may report. The
// retry-vs-fatal decision is looked up in a Policy, never inferred from
// error types.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindRemote5xx   Kind = "remote_5xx"
	KindRateLimited Kind = "rate_limited"
	KindMalformed   Kind = "malformed"
	KindRemote4xx   Kind = "remote_4xx"
	KindUnknown     Kind = "unknown"
)

// Policy maps each failure kind to retry or fatal. Kinds absent from
// the policy are fatal.
type Policy map[Kind]bool

// DefaultPolicy retries connectivity-shaped failures and never retries
// anything that looks like a bad payload.
func DefaultPolicy() Policy {
	return Policy{
		KindTimeout:     true,
		KindConnection:  true,
		KindRemote5xx:   true,
		KindRateLimited: true,
		KindMalformed:   false,
		KindRemote4xx:   false,
		KindUnknown:     false,
	}
}

// ClassifiedError tags an operation failure with its kind.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with a failure kind.
func Classify(kind Kind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Operation is one attempt against a collaborator.
type Operation func(ctx context.Context) error

// Config bounds the dispatcher's retry and breaker behavior.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
}

// DefaultConfig mirrors the documented thresholds: 3 consecutive
// failures open the breaker, 30s cooldown, 4 bounded attempts.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		MaxAttempts:      4,
		InitialBackoff:   100 * time.Millisecond,
	}
}

// Dispatcher wraps calls to external collaborators.
type Dispatcher struct {
	cfg      Config
	policy   Policy
	repo     repo.Repo
	events   events.Writer
	log      zerolog.Logger
	now      func() time.Time
	breakers breakerSet
}

// NewDispatcher creates a dispatcher over the given store.
func NewDispatcher(cfg Config, r repo.Repo, w events.Writer, log zerolog.Logger) *Dispatcher {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	d := &Dispatcher{
		cfg:    cfg,
		policy: DefaultPolicy(),
		repo:   r,
		events: w,
		log:    log,
		now:    time.Now,
	}
	d.breakers.init()
	return d
}

// SetPolicy replaces the retry policy.
func (d *Dispatcher) SetPolicy(p Policy) { d.policy = p }

// Breaker returns the breaker for a service, creating it closed.
func (d *Dispatcher) Breaker(service string) *Breaker {
	return d.breakers.get(service, func() *Breaker {
		b := NewBreaker(service, d.cfg.FailureThreshold, d.cfg.Cooldown)
		b.now = d.now
		b.onTransition = d.auditTransition
		return b
	})
}

// Call runs op under breaker and retry protection. When the breaker is
// open, or retries exhaust on a retryable failure, the payload is
// dead-lettered and the returned error wraps ErrDeadLettered. Fatal
// failures are returned to the caller unretried and are not
// dead-lettered: replaying a malformed payload can never succeed.
func (d *Dispatcher) Call(ctx context.Context, service string, payload []byte, op Operation) error {
	br := d.Breaker(service)
	allowed, release := br.Allow()
	if !allowed {
		d.deadLetter(ctx, service, payload, ErrCircuitOpen.Error(), 0)
		return fmt.Errorf("%s: %w: %w", service, ErrCircuitOpen, ErrDeadLettered)
	}
	if release != nil {
		defer release()
	}

	attempts := 0
	attempt := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !d.policy[KindOf(err)] {
			return backoff.Permanent(err)
		}
		return err
	}
	schedule := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(d.cfg.InitialBackoff), uint64(d.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(attempt, schedule)
	if err == nil {
		br.RecordSuccess()
		return nil
	}

	br.RecordFailure()
	kind := KindOf(err)
	if !d.policy[kind] {
		d.log.Warn().Str("service", service).Str("kind", string(kind)).Int("attempts", attempts).Err(err).
			Msg("dispatch failed permanently, not dead-lettering")
		return err
	}
	d.deadLetter(ctx, service, payload, err.Error(), attempts)
	return fmt.Errorf("%s after %d attempts: %w: %w", service, attempts, err, ErrDeadLettered)
}

func newExponential(initial time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	return bo
}

func (d *Dispatcher) deadLetter(ctx context.Context, service string, payload []byte, reason string, retries int) {
	entry := domain.DeadLetterEntry{
		ID:          uuid.NewString(),
		ServiceName: service,
		Payload:     string(payload),
		Reason:      reason,
		RetryCount:  retries,
		EnqueuedAt:  d.now().UTC().Format(time.RFC3339),
	}
	if err := d.repo.InsertDeadLetter(ctx, entry); err != nil {
		d.log.Error().Str("service", service).Err(err).Msg("dead-letter enqueue failed")
		return
	}
	if err := d.events.AppendDirect(ctx, "deadletter.enqueued", "", "service", service, "system", events.EventPayload{
		"dead_letter_id": entry.ID,
		"reason":         reason,
		"retry_count":    retries,
	}); err != nil {
		d.log.Error().Str("service", service).Err(err).Msg("dead-letter audit event failed")
	}
	d.log.Warn().Str("service", service).Str("dead_letter_id", entry.ID).Str("reason", reason).
		Msg("payload dead-lettered")
}

func (d *Dispatcher) auditTransition(service string, from, to State, failures int) {
	// Runs under the breaker lock; keep it cheap and non-blocking on
	// request paths by using a background context.
	ctx := context.Background()
	if err := d.events.AppendDirect(ctx, "breaker."+to.String(), "", "service", service, "system", events.EventPayload{
		"from":                 from.String(),
		"to":                   to.String(),
		"consecutive_failures": failures,
	}); err != nil {
		d.log.Error().Str("service", service).Err(err).Msg("breaker audit event failed")
	}
	d.log.Info().Str("service", service).Str("from", from.String()).Str("to", to.String()).
		Msg("breaker transition")
}

// breakerSet keys breakers by service name.
type breakerSet struct {
	mu sync.Mutex
	m  map[string]*Breaker
}

func (s *breakerSet) init() { s.m = make(map[string]*Breaker) }

func (s *breakerSet) get(service string, create func() *Breaker) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.m[service]; ok {
		return b
	}
	b := create()
	s.m[service] = b
	return b
}
