package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelay_WithinBounds(t *testing.T) {
	t.Parallel()
	p := New(Config{
		MinDelay:        10 * time.Millisecond,
		MaxDelay:        20 * time.Millisecond,
		LongPauseMin:    100 * time.Millisecond,
		LongPauseMax:    200 * time.Millisecond,
		LongPauseChance: 0.10,
	})

	for i := 0; i < 500; i++ {
		d := p.NextDelay()
		inBaseline := d >= 10*time.Millisecond && d <= 20*time.Millisecond
		inLongPause := d >= 100*time.Millisecond && d <= 200*time.Millisecond
		require.True(t, inBaseline || inLongPause, "delay %v outside both ranges", d)
	}
}

func TestNextDelay_InjectsLongPauses(t *testing.T) {
	t.Parallel()
	p := New(Config{
		MinDelay:        time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		LongPauseMin:    time.Second,
		LongPauseMax:    2 * time.Second,
		LongPauseChance: 0.10,
	})

	long := 0
	const draws = 2000
	for i := 0; i < draws; i++ {
		if p.NextDelay() >= time.Second {
			long++
		}
	}
	// 10% chance over 2000 draws; allow a generous band.
	require.Greater(t, long, draws/25)
	require.Less(t, long, draws/4)
}

func TestMultiplier_GrowsCappedAndDecays(t *testing.T) {
	t.Parallel()
	p := New(Config{
		MinDelay:    time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		SlowdownCap: 8,
		DecayAfter:  2,
	})

	require.Equal(t, 1.0, p.Multiplier())

	for i := 0; i < 10; i++ {
		p.OnFailure()
	}
	require.Equal(t, 8.0, p.Multiplier())

	// Two successes halve the multiplier once.
	p.OnSuccess()
	require.Equal(t, 8.0, p.Multiplier())
	p.OnSuccess()
	require.Equal(t, 4.0, p.Multiplier())

	// Decay floors at 1x.
	for i := 0; i < 20; i++ {
		p.OnSuccess()
	}
	require.Equal(t, 1.0, p.Multiplier())
}

func TestFailureResetsStreak(t *testing.T) {
	t.Parallel()
	p := New(Config{
		MinDelay:   time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		DecayAfter: 3,
	})

	p.OnFailure()
	p.OnFailure()
	require.Equal(t, 4.0, p.Multiplier())

	p.OnSuccess()
	p.OnSuccess()
	p.OnFailure() // streak resets before the third success
	p.OnSuccess()
	p.OnSuccess()
	require.Equal(t, 8.0, p.Multiplier())
}

func TestPause_HonorsCancellation(t *testing.T) {
	t.Parallel()
	p := New(Config{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Pause(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPause_ZeroDelayReturnsImmediately(t *testing.T) {
	t.Parallel()
	p := New(Config{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	start := time.Now()
	require.NoError(t, p.Pause(context.Background(), 0))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
