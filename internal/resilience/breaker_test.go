package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("pm", 3, 30*time.Second)
	b.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		require.Equal(t, StateClosed, b.State())
	}
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	allowed, _ := b.Allow()
	require.False(t, allowed, "open breaker must block calls")
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("pm", 1, 30*time.Second)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock = clock.Add(31 * time.Second)
	first, release := b.Allow()
	require.True(t, first, "cooldown elapsed, trial call expected")
	require.NotNil(t, release)

	second, _ := b.Allow()
	require.False(t, second, "half-open admits exactly one trial")

	b.RecordSuccess()
	release()
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.Failures())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("email", 1, 30*time.Second)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	clock = clock.Add(31 * time.Second)
	allowed, release := b.Allow()
	require.True(t, allowed)
	b.RecordFailure()
	release()
	require.Equal(t, StateOpen, b.State())

	// cooldown restarts from the half-open failure
	clock = clock.Add(15 * time.Second)
	allowed, _ = b.Allow()
	require.False(t, allowed)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker("pm", 3, time.Second)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State(), "non-consecutive failures must not open")
}

func TestBreakerTransitionCallback(t *testing.T) {
	var got []string
	b := NewBreaker("pm", 1, time.Second)
	b.onTransition = func(service string, from, to State, failures int) {
		got = append(got, from.String()+">"+to.String())
	}
	b.RecordFailure()
	require.Equal(t, []string{"closed>open"}, got)
}
