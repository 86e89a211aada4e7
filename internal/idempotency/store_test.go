package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/envelope"
	"signline/internal/migrate"
	"signline/internal/repo"
)

func newStore(t *testing.T, policy string) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return New(repo.Repo{DB: conn}, 24*time.Hour, policy, zerolog.Nop())
}

func testEnvelope(result any) envelope.Envelope {
	return envelope.Build(result, nil, nil, nil, 1.0, envelope.Trace{})
}

func TestGetOrCreateStoresAndReplays(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (envelope.Envelope, error) {
		calls++
		return testEnvelope(map[string]any{"moment": 12.3456}), nil
	}

	first, dup, err := s.GetOrCreate(ctx, "key-1", fn)
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := s.GetOrCreate(ctx, "key-1", fn)
	require.NoError(t, err)
	require.True(t, dup, "second call with same key must replay")
	require.Equal(t, 1, calls, "side effect must run exactly once")
	require.Equal(t, first.ContentHash, second.ContentHash)
	require.Equal(t, first.Result, second.Result)
}

func TestGetOrCreateDistinctKeysRunIndependently(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (envelope.Envelope, error) {
		calls++
		return testEnvelope(calls), nil
	}
	_, _, err := s.GetOrCreate(ctx, "a", fn)
	require.NoError(t, err)
	_, _, err = s.GetOrCreate(ctx, "b", fn)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestGetOrCreateErrorNotCached(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	ctx := context.Background()

	boom := errors.New("compute failed")
	_, _, err := s.GetOrCreate(ctx, "key-1", func(ctx context.Context) (envelope.Envelope, error) {
		return envelope.Envelope{}, boom
	})
	require.ErrorIs(t, err, boom)

	// a failed execution must not poison the key
	env, dup, err := s.GetOrCreate(ctx, "key-1", func(ctx context.Context) (envelope.Envelope, error) {
		return testEnvelope("ok"), nil
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "ok", env.Result)
}

func TestGetOrCreateExpiredRecordRecomputes(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	ctx := context.Background()

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	calls := 0
	fn := func(ctx context.Context) (envelope.Envelope, error) {
		calls++
		return testEnvelope(calls), nil
	}
	_, dup, err := s.GetOrCreate(ctx, "key-1", fn)
	require.NoError(t, err)
	require.False(t, dup)

	clock = clock.Add(25 * time.Hour)
	_, dup, err = s.GetOrCreate(ctx, "key-1", fn)
	require.NoError(t, err)
	require.False(t, dup, "expired record behaves like a brand-new key")
	require.Equal(t, 2, calls)
}

func TestGetOrCreateRacersCollapse(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(ctx context.Context) (envelope.Envelope, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return testEnvelope("winner"), nil
	}

	const racers = 8
	var wg sync.WaitGroup
	var dups atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, dup, err := s.GetOrCreate(ctx, "key-1", fn)
			require.NoError(t, err)
			require.Equal(t, "winner", env.Result)
			if dup {
				dups.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load(), "racing callers collapse onto one execution")
	require.Equal(t, int32(racers-1), dups.Load(), "losers see the winner's envelope as a replay")
}

func TestFailOpenExecutesOnStoreOutage(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	require.NoError(t, s.repo.DB.Close()) // simulate store outage
	ctx := context.Background()

	env, dup, err := s.GetOrCreate(ctx, "key-1", func(ctx context.Context) (envelope.Envelope, error) {
		return testEnvelope("degraded"), nil
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "degraded", env.Result)
}

func TestFailClosedRejectsOnStoreOutage(t *testing.T) {
	s := newStore(t, config.PolicyFailClosed)
	require.NoError(t, s.repo.DB.Close())
	ctx := context.Background()

	executed := false
	_, _, err := s.GetOrCreate(ctx, "key-1", func(ctx context.Context) (envelope.Envelope, error) {
		executed = true
		return testEnvelope("x"), nil
	})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.False(t, executed, "fail_closed must not run the side effect")
}

func TestSweepPurgesExpired(t *testing.T) {
	s := newStore(t, config.PolicyFailOpen)
	ctx := context.Background()

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	fn := func(ctx context.Context) (envelope.Envelope, error) {
		return testEnvelope("v"), nil
	}
	_, _, err := s.GetOrCreate(ctx, "old", fn)
	require.NoError(t, err)

	clock = clock.Add(12 * time.Hour)
	_, _, err = s.GetOrCreate(ctx, "fresh", fn)
	require.NoError(t, err)

	clock = clock.Add(13 * time.Hour) // "old" is now past its 24h TTL
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.repo.GetIdempotencyRecord(ctx, "fresh")
	require.NoError(t, err)
	_, err = s.repo.GetIdempotencyRecord(ctx, "old")
	require.ErrorIs(t, err, repo.ErrNotFound)
}
