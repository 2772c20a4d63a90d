package tollgate

import (
	"errors"

	"github.com/KanavDutta/tollgate/core"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = core.ErrInvalidConfig

	// ErrNonPositiveCapacity is returned when bucket capacity is zero or negative
	ErrNonPositiveCapacity = core.ErrNonPositiveCapacity

	// ErrNonPositiveInterval is returned when the refill interval is zero or negative
	ErrNonPositiveInterval = core.ErrNonPositiveInterval

	// ErrKeyExtractionFailed is returned when key extraction from request fails
	ErrKeyExtractionFailed = errors.New("failed to extract key from request")
)

// ConfigError is the construction-time error for a rejected parameter.
type ConfigError = core.ConfigError
