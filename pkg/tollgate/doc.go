// Package tollgate provides per-key token bucket admission control.
//
// Every key (a client IP, an API key, a user ID, any comparable value) owns
// a bucket of at most Capacity tokens. Each admitted request consumes one
// token and one token regenerates per RefillInterval. A key seen for the
// first time is admitted and its bucket starts at Capacity-1.
//
// # Quick Start
//
//	limiter, err := tollgate.New[string](5, time.Second) // burst 5, 1 token/sec
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !limiter.Allow("203.0.113.7", time.Now()) {
//	    // reject with 429
//	}
//
// Allow never fails; a denial is an ordinary false. The time is an explicit
// argument so callers and tests control it. AllowNow uses the limiter's
// Clock (see WithClock).
//
// Tokens are added when a request arrives at least one RefillInterval after
// the last top-up, and the refill clock then restarts at that request. Over
// any window T a single key is admitted at most
// Capacity + floor(T / RefillInterval) times.
//
// # Keys
//
// Limiter is generic over the key type:
//
//	byUser := tollgate.MustNew[int64](10, time.Minute)
//	byUser.Allow(42, time.Now())
//
// For HTTP, KeyExtractor functions derive string keys from a request:
// ExtractIP, ExtractIPWithProxy, ExtractHeader, ExtractBearer, ExtractCookie,
// ExtractStatic and ExtractComposite. ParseKeyExtractorConfig builds one from
// a config string such as "header:X-API-Key|ip".
//
// # Idle Buckets
//
// Buckets are kept until removed. Sweep drops buckets that have been idle for
// the idle timeout and are full again; StartReaper (or RunReaper inside an
// errgroup) does this periodically:
//
//	stop := limiter.StartReaper()
//	defer stop()
//
// A bucket that still owes tokens is never dropped, so eviction cannot grant
// a client extra requests.
//
// # Concurrency
//
// All methods are safe for concurrent use. The registry uses a sync.RWMutex
// and each bucket has its own sync.Mutex, so calls for different keys do not
// contend. Calls for the same key are serialized.
//
// # Configuration
//
// Load configuration from YAML:
//
//	defaults:
//	  capacity: 100
//	  refill_interval: 100ms
//
//	policies:
//	  "/check/login":
//	    capacity: 5
//	    refill_interval: 12s   # 5 req/min
//
//	key_extractor: "ip"
//	sweep_interval: "1m"
//
//	redis:
//	  addr: "localhost:6379"
//
// and build a limiter with NewFromConfig. Shared state across instances is
// provided by the store package; the middleware package adapts any backend to
// net/http.
package tollgate
