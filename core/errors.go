package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when a policy cannot be used to build a limiter
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNonPositiveCapacity is returned when bucket capacity is zero or negative
	ErrNonPositiveCapacity = errors.New("bucket capacity must be positive")

	// ErrNonPositiveInterval is returned when the refill interval is zero or negative
	ErrNonPositiveInterval = errors.New("refill interval must be positive")
)

// ConfigError reports a rejected construction parameter.
// It matches both ErrInvalidConfig and the specific cause under errors.Is.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrInvalidConfig, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}
