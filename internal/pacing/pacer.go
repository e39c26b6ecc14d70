// Package pacing computes the deliberate delays inserted between remote
// operations. The cadence is randomized so it cannot be fingerprinted, slows
// down adaptively after failures, and occasionally injects a much longer
// pause modeling irregular human behavior.
package pacing

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the pacing model.
type Config struct {
	// MinDelay/MaxDelay bound the uniform baseline draw.
	MinDelay time.Duration
	MaxDelay time.Duration
	// LongPauseChance is the probability of drawing a long pause instead of
	// a baseline delay. LongPauseMin/Max bound that draw.
	LongPauseChance float64
	LongPauseMin    time.Duration
	LongPauseMax    time.Duration
	// SlowdownCap bounds the failure multiplier applied to delays.
	SlowdownCap float64
	// DecayAfter is how many consecutive successes halve the multiplier.
	DecayAfter int
	// MaxRPS caps the operation rate regardless of configured delays.
	// Zero means no ceiling.
	MaxRPS float64
}

const (
	defaultMinDelay        = 2 * time.Second
	defaultMaxDelay        = 6 * time.Second
	defaultLongPauseChance = 0.10
	defaultSlowdownCap     = 8
	defaultDecayAfter      = 5
)

// Pacer issues delays between remote operations. Safe for concurrent use.
type Pacer struct {
	cfg     Config
	limiter *rate.Limiter

	mu         sync.Mutex
	multiplier float64
	streak     int
}

// New builds a Pacer, filling unset config fields with defaults. A zero
// LongPauseMin/Max defaults to a multiple of MaxDelay so the long pause is
// materially longer than the baseline range.
func New(cfg Config) *Pacer {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = defaultMaxDelay
		if cfg.MaxDelay < cfg.MinDelay {
			cfg.MaxDelay = cfg.MinDelay
		}
	}
	if cfg.LongPauseChance <= 0 {
		cfg.LongPauseChance = defaultLongPauseChance
	}
	if cfg.LongPauseMin <= 0 {
		cfg.LongPauseMin = 4 * cfg.MaxDelay
	}
	if cfg.LongPauseMax < cfg.LongPauseMin {
		cfg.LongPauseMax = 10 * cfg.MaxDelay
		if cfg.LongPauseMax < cfg.LongPauseMin {
			cfg.LongPauseMax = cfg.LongPauseMin
		}
	}
	if cfg.SlowdownCap < 1 {
		cfg.SlowdownCap = defaultSlowdownCap
	}
	if cfg.DecayAfter <= 0 {
		cfg.DecayAfter = defaultDecayAfter
	}
	var limiter *rate.Limiter
	if cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	return &Pacer{
		cfg:        cfg,
		limiter:    limiter,
		multiplier: 1,
	}
}

// NextDelay draws the delay to insert before the next remote operation.
func (p *Pacer) NextDelay() time.Duration {
	p.mu.Lock()
	mult := p.multiplier
	p.mu.Unlock()

	if rand.Float64() < p.cfg.LongPauseChance {
		return uniform(p.cfg.LongPauseMin, p.cfg.LongPauseMax)
	}
	base := uniform(p.cfg.MinDelay, p.cfg.MaxDelay)
	return time.Duration(float64(base) * mult)
}

// OnFailure doubles the slowdown multiplier, up to the configured cap, and
// resets the success streak.
func (p *Pacer) OnFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak = 0
	p.multiplier *= 2
	if p.multiplier > p.cfg.SlowdownCap {
		p.multiplier = p.cfg.SlowdownCap
	}
}

// OnSuccess records one success; every DecayAfter consecutive successes the
// multiplier halves, floored at 1x.
func (p *Pacer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak++
	if p.streak < p.cfg.DecayAfter {
		return
	}
	p.streak = 0
	p.multiplier /= 2
	if p.multiplier < 1 {
		p.multiplier = 1
	}
}

// Multiplier returns the current slowdown multiplier.
func (p *Pacer) Multiplier() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multiplier
}

// Pause blocks for d, honoring the rate ceiling first, and returns early
// with the context error on cancellation.
func (p *Pacer) Pause(ctx context.Context, d time.Duration) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
