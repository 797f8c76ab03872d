// Package retry provides exponential backoff for operations against external systems
// (point store backends, event sinks, the rule table bucket).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError marks an error that must short-circuit the retry loop
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do returns it without further attempts
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryable marker
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config controls attempts and backoff
type Config struct {
	MaxAttempts  int           // total attempts, <= 0 means a single attempt
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // growth factor per attempt
	AddJitter    bool          // up to 25% random extra delay
}

// DefaultConfig returns the defaults used by sinks and backends
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Startup is tuned for waiting on dependencies while the service boots
func Startup() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent is for critical resources that should be retried for a long time
func Persistent() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (c Config) normalize() (Config, error) {
	switch {
	case c.InitialDelay < 0:
		return c, errors.New("retry: InitialDelay cannot be negative")
	case c.MaxDelay < 0:
		return c, errors.New("retry: MaxDelay cannot be negative")
	case c.Multiplier < 0:
		return c, errors.New("retry: Multiplier cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return c, nil
}

// backoff yields successive sleep durations for a normalized config
type backoff struct {
	cfg   Config
	delay time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.delay
	if b.cfg.AddJitter && d >= 4 {
		jitterMu.Lock()
		d += time.Duration(jitterRnd.Int63n(int64(d / 4)))
		jitterMu.Unlock()
	}

	grown := float64(b.delay) * b.cfg.Multiplier
	if grown > float64(b.cfg.MaxDelay) {
		b.delay = b.cfg.MaxDelay
	} else {
		b.delay = time.Duration(grown)
	}
	return d
}

// Do runs fn until it succeeds, returns a NonRetryable error, the context ends or
// attempts run out.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	bo := &backoff{cfg: cfg, delay: cfg.InitialDelay}
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(bo.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult is Do for functions that produce a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
