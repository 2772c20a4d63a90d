package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/KanavDutta/tollgate/core"
	"github.com/KanavDutta/tollgate/pkg/tollgate"
	"github.com/KanavDutta/tollgate/store"
)

// Backend makes admission decisions. A *tollgate.Limiter[string],
// *store.RedisStore or *store.FailoverStore can be used.
type Backend = store.Admitter

// Observer receives decisions and backend failures seen by the middleware.
// *metrics.Collector and *metrics.RouteObserver implement it.
type Observer interface {
	ObserveDecision(key string, allowed bool)
	ObserveBackendError()
}

type config struct {
	keyExtractor tollgate.KeyExtractor
	logger       zerolog.Logger
	observer     Observer
	clock        tollgate.Clock
	failOpen     bool
}

// Option configures the middleware.
type Option func(*config)

// WithKeyExtractor sets how requests map to bucket keys. Default: client IP.
func WithKeyExtractor(ke tollgate.KeyExtractor) Option {
	return func(c *config) {
		if ke != nil {
			c.keyExtractor = ke
		}
	}
}

// WithLogger sets the logger for rejected and failed requests.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithObserver reports every decision to o.
func WithObserver(o Observer) Option {
	return func(c *config) { c.observer = o }
}

// WithClock sets the time source passed to the backend.
func WithClock(clock tollgate.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithFailOpen lets requests through when the backend fails.
// By default they are rejected with 503.
func WithFailOpen(failOpen bool) Option {
	return func(c *config) { c.failOpen = failOpen }
}

// New returns middleware that rate limits requests through backend.
func New(backend Backend, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{
		keyExtractor: tollgate.ExtractIP(),
		logger:       zerolog.Nop(),
		clock:        tollgate.SystemClock{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := cfg.keyExtractor(r)
			if err != nil {
				cfg.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("cannot identify client")
				writeError(w, http.StatusBadRequest, "invalid_request")
				return
			}

			now := cfg.clock.Now()
			result, err := backend.Admit(r.Context(), key, now)
			if err != nil {
				if cfg.observer != nil {
					cfg.observer.ObserveBackendError()
				}
				if cfg.failOpen {
					cfg.logger.Warn().Err(err).Str("key", key).Msg("rate limit backend failed, allowing request")
					next.ServeHTTP(w, r)
					return
				}
				cfg.logger.Error().Err(err).Str("key", key).Msg("rate limit backend failed")
				writeError(w, http.StatusServiceUnavailable, "unavailable")
				return
			}

			if cfg.observer != nil {
				cfg.observer.ObserveDecision(key, result.Allowed)
			}

			SetHeaders(w.Header(), result, now)
			if !result.Allowed {
				cfg.logger.Debug().Str("key", key).Dur("retry_after", result.RetryAfter).Msg("request rate limited")
				writeError(w, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the X-RateLimit-* headers for result. Denied results
// also get X-RateLimit-Reset (unix time the bucket is full again) and
// Retry-After.
func SetHeaders(h http.Header, result core.Result, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if result.Allowed {
		return
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(now.Add(result.ResetAfter)), 10))
	h.Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(result.RetryAfter), 10))
}

// RetryAfterSeconds rounds d up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}
	return t.Unix()
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
