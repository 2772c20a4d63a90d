package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/KanavDutta/tollgate/middleware"
	"github.com/KanavDutta/tollgate/pkg/tollgate"
	"github.com/KanavDutta/tollgate/store"
)

const maxBodyBytes = 64 << 10

// Observer receives decisions and backend failures for one route.
type Observer interface {
	ObserveDecision(key string, allowed bool)
	ObserveBackendError()
}

// Handler handles rate limit check requests
type Handler struct {
	defaultBackend store.Admitter
	routes         map[string]store.Admitter // nil value: route is not limited
	observers      func(route string) Observer
	stats          StatsProvider
	healthChecks   map[string]func(*http.Request) error
	clock          tollgate.Clock
	logger         zerolog.Logger
	instanceID     string
	startedAt      time.Time
	failOpen       bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithRoute answers checks for route with backend. A nil backend marks the
// route as not rate limited.
func WithRoute(route string, backend store.Admitter) Option {
	return func(h *Handler) { h.routes[route] = backend }
}

// WithObservers reports each decision to the observer returned for its
// route. Checks on unconfigured routes report under "".
func WithObservers(fn func(route string) Observer) Option {
	return func(h *Handler) { h.observers = fn }
}

// WithStats serves GET /stats from p.
func WithStats(p StatsProvider) Option {
	return func(h *Handler) { h.stats = p }
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check func(*http.Request) error) Option {
	return func(h *Handler) { h.healthChecks[name] = check }
}

// WithClock sets the time used for decisions.
func WithClock(clock tollgate.Clock) Option {
	return func(h *Handler) { h.clock = clock }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithFailOpen answers allowed when the backend fails instead of 503.
func WithFailOpen(failOpen bool) Option {
	return func(h *Handler) { h.failOpen = failOpen }
}

// WithInstanceID sets the id reported by GET /health.
func WithInstanceID(id string) Option {
	return func(h *Handler) { h.instanceID = id }
}

// NewHandler creates a new API handler. defaultBackend answers checks whose
// route has no backend of its own.
func NewHandler(defaultBackend store.Admitter, opts ...Option) *Handler {
	h := &Handler{
		defaultBackend: defaultBackend,
		routes:         make(map[string]store.Admitter),
		healthChecks:   make(map[string]func(*http.Request) error),
		clock:          tollgate.SystemClock{},
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.clock.Now()
	return h
}

// Routes mounts the service endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.CheckRateLimit)
	r.Get("/stats", h.Stats)
	r.Get("/health", h.Health)
	return r
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	Key   string `json:"key"`             // Required: unique identifier (user ID, API key, IP)
	Route string `json:"route,omitempty"` // Optional: selects a per-route policy
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool  `json:"allowed"`                  // Whether request is allowed
	Remaining    int64 `json:"remaining"`                // Tokens remaining
	Limit        int64 `json:"limit"`                    // Total capacity
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
	ResetAt      int64 `json:"reset_at"`                 // Unix timestamp when bucket is full
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body is too large")
			return
		}
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.Key == "" {
		h.sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}

	route, backend := h.resolve(req.Route)
	now := h.clock.Now()

	if backend == nil {
		h.sendJSON(w, http.StatusOK, CheckResponse{Allowed: true, ResetAt: now.Unix()})
		return
	}

	result, err := backend.Admit(r.Context(), req.Key, now)
	if err != nil {
		if o := h.observer(route); o != nil {
			o.ObserveBackendError()
		}
		if h.failOpen {
			h.logger.Warn().Err(err).Str("route", route).Str("key", req.Key).Msg("rate limit backend failed, allowing request")
			h.sendJSON(w, http.StatusOK, CheckResponse{Allowed: true, ResetAt: now.Unix()})
			return
		}
		h.logger.Error().Err(err).Str("route", route).Str("key", req.Key).Msg("rate limit backend failed")
		h.sendError(w, http.StatusServiceUnavailable, "unavailable", "Rate limit backend is unavailable")
		return
	}

	if o := h.observer(route); o != nil {
		o.ObserveDecision(req.Key, result.Allowed)
	}

	response := CheckResponse{
		Allowed:   result.Allowed,
		Remaining: result.Remaining,
		Limit:     result.Limit,
		ResetAt:   now.Add(result.ResetAfter).Unix(),
	}

	statusCode := http.StatusOK
	if !result.Allowed {
		statusCode = http.StatusTooManyRequests
		response.RetryAfterMs = result.RetryAfter.Milliseconds()
		if response.RetryAfterMs == 0 && result.RetryAfter > 0 {
			response.RetryAfterMs = 1
		}
	}

	middleware.SetHeaders(w.Header(), result, now)
	h.sendJSON(w, statusCode, response)
}

// resolve picks the backend for route. Unknown routes use the default
// backend and are reported under the empty route.
func (h *Handler) resolve(route string) (string, store.Admitter) {
	if backend, ok := h.routes[route]; ok {
		return route, backend
	}
	return "", h.defaultBackend
}

func (h *Handler) observer(route string) Observer {
	if h.observers == nil {
		return nil
	}
	return h.observers(route)
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
