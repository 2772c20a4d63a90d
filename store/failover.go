package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/KanavDutta/tollgate/core"
)

// BreakerConfig controls when the primary backend is taken out of rotation.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures,omitempty"` // consecutive failures before opening
	OpenTimeout time.Duration `yaml:"open_timeout,omitempty"` // time spent open before probing again
}

// DefaultBreakerConfig trips after 3 consecutive failures and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 3,
		OpenTimeout: 30 * time.Second,
	}
}

// FailoverStore sends decisions to a primary backend through a circuit
// breaker and to a fallback while the primary is failing.
type FailoverStore struct {
	primary  Admitter
	fallback Admitter
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// NewFailoverStore wraps primary. fallback may be nil, in which case primary
// failures are returned to the caller.
func NewFailoverStore(name string, primary, fallback Admitter, config BreakerConfig, logger zerolog.Logger) *FailoverStore {
	defaults := DefaultBreakerConfig()
	if config.MaxFailures == 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}

	f := &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store breaker state changed")
		},
	})
	return f
}

// Admit asks the primary, falling back when it fails or the breaker is open.
func (f *FailoverStore) Admit(ctx context.Context, key string, now time.Time) (core.Result, error) {
	v, err := f.breaker.Execute(func() (interface{}, error) {
		return f.primary.Admit(ctx, key, now)
	})
	if err == nil {
		return v.(core.Result), nil
	}

	if f.fallback == nil {
		return core.Result{}, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	f.logger.Debug().Err(err).Str("key", key).Msg("using fallback store")
	return f.fallback.Admit(ctx, key, now)
}

// State reports the breaker state ("closed", "half-open" or "open").
func (f *FailoverStore) State() string {
	return f.breaker.State().String()
}
