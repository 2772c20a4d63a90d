package tollgate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives limiter events. metrics.Collector implements it.
type Observer interface {
	ObserveDecision(key string, allowed bool)
	ObserveBuckets(n int)
	ObserveEvictions(n int)
}

// DecisionFilter is implemented by observers that may not want per-request
// decisions. When ObservesDecisions reports false the limiter skips
// ObserveDecision entirely.
type DecisionFilter interface {
	ObservesDecisions() bool
}

type settings struct {
	clock         Clock
	logger        zerolog.Logger
	observer      Observer
	idleTimeout   time.Duration
	sweepInterval time.Duration
}

// Option is a functional option for configuring a Limiter.
type Option func(*settings) error

// WithClock replaces the wall clock used by AllowNow and the reaper.
func WithClock(clock Clock) Option {
	return func(s *settings) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		s.clock = clock
		return nil
	}
}

// WithLogger sets the logger used for reaper activity.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithObserver reports decisions, bucket counts and evictions to o.
func WithObserver(o Observer) Option {
	return func(s *settings) error {
		if o == nil {
			return fmt.Errorf("%w: observer cannot be nil", ErrInvalidConfig)
		}
		s.observer = o
		return nil
	}
}

// WithIdleTimeout sets how long a bucket must go unused before the reaper
// considers it. Only buckets that have also refilled to capacity are removed.
// Zero selects the default: the time a drained bucket needs to refill.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d < 0 {
			return fmt.Errorf("%w: idle timeout cannot be negative", ErrInvalidConfig)
		}
		s.idleTimeout = d
		return nil
	}
}

// WithSweepInterval sets how often the reaper started by StartReaper runs.
// Default: 1 minute
func WithSweepInterval(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
		}
		s.sweepInterval = d
		return nil
	}
}
