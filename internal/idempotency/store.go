// Package idempotency caches mutation outcomes by client-supplied key so
// retried mutations never duplicate side effects.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"signline/internal/config"
	"signline/internal/domain"
	"signline/internal/envelope"
	"signline/internal/repo"
)

// ErrStoreUnavailable is returned under the fail-closed policy when the
// store cannot be read or written.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// ComputeFn produces the envelope for a first-seen key. It runs at most
// once per unexpired key.
type ComputeFn func(ctx context.Context) (envelope.Envelope, error)

// Store is the key/expiry-indexed cache of prior mutation outcomes.
type Store struct {
	repo   repo.Repo
	ttl    time.Duration
	policy string
	log    zerolog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// New creates a store with the configured TTL and outage policy.
func New(r repo.Repo, ttl time.Duration, policy string, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if policy == "" {
		policy = config.PolicyFailOpen
	}
	return &Store{
		repo:   r,
		ttl:    ttl,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

type outcome struct {
	env       envelope.Envelope
	duplicate bool
}

// GetOrCreate returns the stored envelope for key if present and
// unexpired, otherwise runs fn exactly once and stores its result for
// the TTL. Racing callers with the same key collapse onto one
// execution; losers receive the winner's envelope with duplicate=true.
func (s *Store) GetOrCreate(ctx context.Context, key string, fn ComputeFn) (envelope.Envelope, bool, error) {
	// executed is per-caller: the closure only runs for the winner, so a
	// racing loser sees it false and reports the outcome as a replay.
	executed := false
	v, err, _ := s.group.Do(key, func() (any, error) {
		executed = true
		out, err := s.getOrCreate(ctx, key, fn)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return envelope.Envelope{}, false, err
	}
	out := v.(outcome)
	return out.env, out.duplicate || !executed, nil
}

func (s *Store) getOrCreate(ctx context.Context, key string, fn ComputeFn) (outcome, error) {
	rec, err := s.repo.GetIdempotencyRecord(ctx, key)
	switch {
	case err == nil:
		if rec.ExpiresAt > s.now().UTC().Format(time.RFC3339) {
			var env envelope.Envelope
			if uerr := json.Unmarshal([]byte(rec.EnvelopeJSON), &env); uerr != nil {
				return outcome{}, fmt.Errorf("decode stored envelope: %w", uerr)
			}
			return outcome{env: env, duplicate: true}, nil
		}
		// expired, purge lazily and fall through to recompute
		if derr := s.repo.DeleteIdempotencyRecord(ctx, key); derr != nil {
			s.log.Warn().Str("key", key).Err(derr).Msg("lazy purge failed")
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return s.degraded(ctx, key, fn, err)
	}

	env, err := fn(ctx)
	if err != nil {
		return outcome{}, err
	}
	if serr := s.put(ctx, key, env); serr != nil {
		if s.policy == config.PolicyFailClosed {
			// The side effect already ran; refusing now would hide a
			// completed mutation. Surface the envelope and log loudly.
			s.log.Error().Str("key", key).Err(serr).Msg("idempotency record lost after mutation")
		} else {
			s.log.Warn().Str("key", key).Err(serr).Msg("degraded_mode: mutation executed without dedup")
		}
	}
	return outcome{env: env}, nil
}

// degraded applies the configured outage policy on a store read error.
func (s *Store) degraded(ctx context.Context, key string, fn ComputeFn, cause error) (outcome, error) {
	if s.policy == config.PolicyFailClosed {
		return outcome{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, cause)
	}
	s.log.Warn().Str("key", key).Err(cause).Msg("degraded_mode: mutation executed without dedup")
	env, err := fn(ctx)
	if err != nil {
		return outcome{}, err
	}
	return outcome{env: env}, nil
}

func (s *Store) put(ctx context.Context, key string, env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	created := s.now().UTC()
	return s.repo.PutIdempotencyRecord(ctx, domain.IdempotencyRecord{
		Key:          key,
		EnvelopeJSON: string(data),
		CreatedAt:    created.Format(time.RFC3339),
		ExpiresAt:    created.Add(s.ttl).Format(time.RFC3339),
	})
}

// Sweep purges expired records once.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpiredIdempotency(ctx, s.now().UTC().Format(time.RFC3339))
}

// RunSweeper purges expired records on the interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("purged", n).Msg("idempotency sweep")
			}
		}
	}
}
