// Package retry runs an operation a bounded number of times with
// exponential backoff and reports an explicit result instead of looping.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

type Config struct {
	MaxAttempts int           // total attempts including the first; at least 1
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for a single delay
	Multiplier  float64       // growth factor between delays
	Jitter      bool          // spread delays over [delay/2, delay]
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Result describes one bounded run.
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error // last error, nil on success
}

func (r Result) Success() bool { return r.Err == nil }

// permanent marks errors that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so that Do stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, ctx is done, or
// MaxAttempts is reached.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) Result {
	start := time.Now()
	attempts := max(cfg.MaxAttempts, 1)

	var res Result
	for attempt := 0; attempt < attempts; attempt++ {
		res.Attempts = attempt + 1
		err := op(ctx)
		if err == nil {
			res.Err = nil
			res.Duration = time.Since(start)
			return res
		}

		var p permanent
		if errors.As(err, &p) {
			res.Err = p.err
			break
		}
		res.Err = err

		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = errors.Join(err, ctx.Err())
			res.Duration = time.Since(start)
			return res
		case <-timer.C:
		}
	}
	res.Duration = time.Since(start)
	return res
}

// Delay returns the wait after the given zero-based failed attempt.
func Delay(cfg Config, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
