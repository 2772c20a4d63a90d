package store

import (
	"context"
	"errors"
	"time"

	"github.com/KanavDutta/tollgate/core"
)

// DefaultPrefix namespaces bucket keys in shared storage.
const DefaultPrefix = "tollgate:"

// ErrStoreFailed is returned when a backend cannot make a decision
var ErrStoreFailed = errors.New("store operation failed")

// Admitter makes one token bucket decision for key at now.
// tollgate.Limiter[string], RedisStore and FailoverStore all implement it.
type Admitter interface {
	Admit(ctx context.Context, key string, now time.Time) (core.Result, error)
}
