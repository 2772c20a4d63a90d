package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/tollgate/core"
	"github.com/KanavDutta/tollgate/pkg/tollgate"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type failingBackend struct{}

func (failingBackend) Admit(context.Context, string, time.Time) (core.Result, error) {
	return core.Result{}, errors.New("redis down")
}

type recorder struct {
	allowed, denied, failures int
	keys                      []string
}

func (r *recorder) ObserveDecision(key string, allowed bool) {
	r.keys = append(r.keys, key)
	if allowed {
		r.allowed++
	} else {
		r.denied++
	}
}

func (r *recorder) ObserveBackendError() { r.failures++ }

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("success"))
})

func serve(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_AllowedRequest(t *testing.T) {
	limiter := tollgate.MustNew[string](5, time.Second)
	clock := &fixedClock{now: t0}
	h := New(limiter, WithClock(clock))(okHandler)

	rr := serve(h, "192.168.1.1:12345")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "5", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "success", rr.Body.String())
}

func TestMiddleware_RateLimited(t *testing.T) {
	limiter := tollgate.MustNew[string](3, 10*time.Second)
	clock := &fixedClock{now: t0}
	obs := &recorder{}
	h := New(limiter, WithClock(clock), WithObserver(obs))(okHandler)

	for i := 0; i < 3; i++ {
		rr := serve(h, "192.168.1.1:12345")
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
	}

	clock.now = t0.Add(2500 * time.Millisecond)
	rr := serve(h, "192.168.1.1:12345")

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "8", rr.Header().Get("Retry-After"))
	assert.Equal(t, "1735732830", rr.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["error"])

	assert.Equal(t, 3, obs.allowed)
	assert.Equal(t, 1, obs.denied)
	assert.Equal(t, "ip:192.168.1.1", obs.keys[0])

	// Other clients are unaffected.
	assert.Equal(t, http.StatusOK, serve(h, "192.168.1.2:12345").Code)
}

func TestMiddleware_KeyExtractionFailure(t *testing.T) {
	limiter := tollgate.MustNew[string](5, time.Second)
	h := New(limiter, WithKeyExtractor(tollgate.ExtractHeader("X-API-Key")))(okHandler)

	rr := serve(h, "192.168.1.1:12345")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, limiter.Len())
}

func TestMiddleware_BackendFailure(t *testing.T) {
	obs := &recorder{}

	closed := New(failingBackend{}, WithObserver(obs))(okHandler)
	rr := serve(closed, "192.168.1.1:12345")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	open := New(failingBackend{}, WithObserver(obs), WithFailOpen(true))(okHandler)
	rr = serve(open, "192.168.1.1:12345")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"))

	assert.Equal(t, 2, obs.failures)
	assert.Zero(t, obs.allowed+obs.denied)
}

func TestMiddleware_WithChi(t *testing.T) {
	limiter := tollgate.MustNew[string](1, time.Minute)
	r := chi.NewRouter()
	r.Use(New(limiter, WithKeyExtractor(tollgate.ExtractStatic("global"))))
	r.Get("/test", okHandler)

	assert.Equal(t, http.StatusOK, serve(r, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "10.0.0.2:1").Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{7500 * time.Millisecond, 8},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryAfterSeconds(tt.in), tt.in.String())
	}
}
