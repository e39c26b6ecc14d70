// Package retry wraps remote operations with classification-driven retries
// and jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// Classification decides how the controller reacts to a failed attempt.
type Classification int

const (
	// Retryable failures are retried until the attempt budget runs out.
	Retryable Classification = iota
	// Fatal failures are returned immediately without further attempts.
	Fatal
)

// Classifier maps an operation error to a Classification. It is supplied per
// call site: the same underlying error can be retryable when fetching a page
// and fatal when it means the source session expired.
type Classifier func(error) Classification

// Config controls attempt budget and backoff shape.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// Controller executes operations with retry semantics.
type Controller struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Controller, filling unset config fields with defaults.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: logger}
}

// Execute runs op, retrying on failures the classifier marks Retryable and
// sleeping a jittered exponential backoff between attempts. It returns nil on
// the first success, the last error once attempts are exhausted, and a Fatal
// error immediately. Context cancellation aborts the backoff sleep.
func (c *Controller) Execute(ctx context.Context, name string, op func(context.Context) error, classify Classifier) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if classify != nil && classify(err) == Fatal {
			c.logger.Warn("operation failed fatally",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			return err
		}
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Debug("operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	c.logger.Warn("operation exhausted retries",
		zap.String("operation", name),
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%s: attempts exhausted: %w", name, lastErr)
}

// backoff returns base*2^attempt capped at MaxDelay, with half the value
// replaced by random jitter so concurrent callers do not sync up.
func (c *Controller) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
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
