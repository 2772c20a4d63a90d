package tollgate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KanavDutta/tollgate/core"
)

const (
	defaultSweepInterval  = time.Minute
	minDefaultIdleTimeout = time.Minute
)

// Limiter is a per-key token bucket registry.
// Keys may be any comparable type; each key gets an independent bucket that
// is created on first use. All methods are safe for concurrent use.
type Limiter[K comparable] struct {
	policy        core.Policy
	clock         Clock
	logger        zerolog.Logger
	observer      Observer
	decisions     bool // observer wants ObserveDecision calls
	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu      sync.RWMutex
	buckets map[K]*bucket
}

// bucket wraps a bucket state with metadata for the reaper.
type bucket struct {
	mu       sync.Mutex
	state    core.BucketState
	lastSeen time.Time
	dead     bool // removed from the registry; callers holding it must retry
}

// New creates a Limiter whose buckets hold at most capacity tokens and regain
// one token every refillInterval. It returns a *ConfigError if either value
// is not strictly positive.
//
// Example:
//
//	limiter, err := tollgate.New[string](5, time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !limiter.AllowNow("203.0.113.7") {
//	    // reject
//	}
func New[K comparable](capacity int64, refillInterval time.Duration, opts ...Option) (*Limiter[K], error) {
	policy := core.Policy{Capacity: capacity, RefillInterval: refillInterval}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	s := settings{
		clock:         SystemClock{},
		logger:        zerolog.Nop(),
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if s.idleTimeout == 0 {
		s.idleTimeout = defaultIdleTimeout(policy)
	}

	return &Limiter[K]{
		policy:        policy,
		clock:         s.clock,
		logger:        s.logger,
		observer:      s.observer,
		decisions:     observesDecisions(s.observer),
		idleTimeout:   s.idleTimeout,
		sweepInterval: s.sweepInterval,
		buckets:       make(map[K]*bucket),
	}, nil
}

// MustNew is like New but panics on invalid configuration.
func MustNew[K comparable](capacity int64, refillInterval time.Duration, opts ...Option) *Limiter[K] {
	l, err := New[K](capacity, refillInterval, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

// defaultIdleTimeout is the time a drained bucket needs to refill completely.
func defaultIdleTimeout(p core.Policy) time.Duration {
	if p.Capacity > int64(math.MaxInt64/p.RefillInterval) {
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(p.Capacity) * p.RefillInterval
	if d < minDefaultIdleTimeout {
		return minDefaultIdleTimeout
	}
	return d
}

// Allow reports whether one unit of work for key may proceed at now.
// It consumes a token when it returns true and never fails.
func (l *Limiter[K]) Allow(key K, now time.Time) bool {
	return l.Take(key, now).Allowed
}

// AllowNow is Allow at the limiter's clock time.
func (l *Limiter[K]) AllowNow(key K) bool {
	return l.Take(key, l.clock.Now()).Allowed
}

// Take makes the same decision as Allow and returns the bucket details.
func (l *Limiter[K]) Take(key K, now time.Time) core.Result {
	for {
		b, seeded, ok := l.getOrCreate(key, now)
		if !ok {
			l.observe(key, seeded.Allowed)
			return seeded
		}

		b.mu.Lock()
		if b.dead {
			// Lost a race with the reaper; the key has to be looked up again.
			b.mu.Unlock()
			continue
		}
		result := l.policy.Take(&b.state, now)
		if now.After(b.lastSeen) {
			b.lastSeen = now
		}
		b.mu.Unlock()

		l.observe(key, result.Allowed)
		return result
	}
}

// Admit lets a Limiter[string] serve as an HTTP middleware backend.
// The local limiter never returns an error.
func (l *Limiter[K]) Admit(_ context.Context, key K, now time.Time) (core.Result, error) {
	return l.Take(key, now), nil
}

// getOrCreate returns the existing bucket for key. When the key is new it
// seeds a bucket, admitting the creating request, and returns ok == false
// along with that decision.
func (l *Limiter[K]) getOrCreate(key K, now time.Time) (*bucket, core.Result, bool) {
	// Try read lock first (fast path - bucket exists)
	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return b, core.Result{}, true
	}

	l.mu.Lock()
	// Double-check: another goroutine might have created it
	if b, exists = l.buckets[key]; exists {
		l.mu.Unlock()
		return b, core.Result{}, true
	}
	state, result := l.policy.Seed(now)
	l.buckets[key] = &bucket{state: state, lastSeen: now}
	n := len(l.buckets)
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ObserveBuckets(n)
	}
	return nil, result, false
}

func (l *Limiter[K]) observe(key K, allowed bool) {
	if !l.decisions {
		return
	}
	l.observer.ObserveDecision(keyString(key), allowed)
}

func observesDecisions(o Observer) bool {
	if o == nil {
		return false
	}
	if d, ok := o.(DecisionFilter); ok {
		return d.ObservesDecisions()
	}
	return true
}

func keyString[K comparable](key K) string {
	switch k := any(key).(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprint(key)
	}
}

// Reset forgets key. The next request for it starts a fresh bucket.
func (l *Limiter[K]) Reset(key K) {
	l.mu.Lock()
	if b, ok := l.buckets[key]; ok {
		b.mu.Lock()
		b.dead = true
		b.mu.Unlock()
		delete(l.buckets, key)
	}
	l.mu.Unlock()
}

// Len returns the number of live buckets.
func (l *Limiter[K]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Policy returns the limiter's capacity and refill interval.
func (l *Limiter[K]) Policy() core.Policy {
	return l.policy
}

// Sweep removes buckets that have been idle for the idle timeout and have
// refilled to capacity. A bucket that still owes tokens is kept, so eviction
// can never admit more than the bucket would have.
// Returns the number of buckets removed.
func (l *Limiter[K]) Sweep(now time.Time) int {
	l.mu.Lock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		if now.Sub(b.lastSeen) >= l.idleTimeout && l.policy.FullAfter(b.state, now) {
			b.dead = true
			delete(l.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("swept idle buckets")
	}
	if l.observer != nil {
		l.observer.ObserveEvictions(removed)
		l.observer.ObserveBuckets(remaining)
	}
	return removed
}

// RunReaper sweeps idle buckets every sweep interval until ctx is done.
// It always returns nil so it can run directly in an errgroup.
func (l *Limiter[K]) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	l.logger.Debug().
		Dur("interval", l.sweepInterval).
		Dur("idle_timeout", l.idleTimeout).
		Msg("bucket reaper started")

	for {
		select {
		case <-ticker.C:
			l.Sweep(l.clock.Now())
		case <-ctx.Done():
			l.logger.Debug().Msg("bucket reaper stopped")
			return nil
		}
	}
}

// StartReaper starts a goroutine that periodically sweeps idle buckets.
// Call the returned function to stop it; it waits for the goroutine to exit
// and is safe to call more than once.
func (l *Limiter[K]) StartReaper() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = l.RunReaper(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
