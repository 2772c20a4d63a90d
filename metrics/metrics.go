package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// maxTrackedClients bounds the per-client table behind /stats.
	maxTrackedClients = 10000
	topClients        = 10
)

// Collector tracks rate limiting statistics. Counters are exported to
// Prometheus, per-client totals are kept for the JSON snapshot.
type Collector struct {
	decisions     *prometheus.CounterVec
	buckets       *prometheus.GaugeVec
	evictions     *prometheus.CounterVec
	backendErrors *prometheus.CounterVec

	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	blockedRequests atomic.Int64
	backendFailures atomic.Int64

	// Per-client stats
	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	startTime   time.Time
	now         func() time.Time
}

// ClientStats tracks statistics for a specific client
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// NewCollector creates a collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_decisions_total",
			Help: "Admission decisions by route and outcome.",
		}, []string{"route", "outcome"}),
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_buckets",
			Help: "Live token buckets held in memory.",
		}, []string{"route"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_evictions_total",
			Help: "Idle buckets removed by the reaper.",
		}, []string{"route"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_backend_errors_total",
			Help: "Decisions that failed because the backend was unavailable.",
		}, []string{"route"}),
		clientStats: make(map[string]*ClientStats),
		startTime:   time.Now(),
		now:         time.Now,
	}

	for _, col := range []prometheus.Collector{c.decisions, c.buckets, c.evictions, c.backendErrors} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNewCollector is like NewCollector but panics on registration errors.
func MustNewCollector(reg prometheus.Registerer) *Collector {
	c, err := NewCollector(reg)
	if err != nil {
		panic(err)
	}
	return c
}

// Route returns an observer that labels everything with route.
func (c *Collector) Route(route string) *RouteObserver {
	return &RouteObserver{c: c, route: route, decisions: true}
}

// Buckets returns an observer for a limiter whose decisions are already
// counted by the HTTP layer. It reports bucket counts and evictions only.
func (c *Collector) Buckets(route string) *RouteObserver {
	return &RouteObserver{c: c, route: route}
}

// ObserveDecision records a decision for the default route.
func (c *Collector) ObserveDecision(key string, allowed bool) {
	c.recordDecision("", key, allowed)
}

// ObserveBuckets records the bucket count for the default route.
func (c *Collector) ObserveBuckets(n int) {
	c.buckets.WithLabelValues("").Set(float64(n))
}

// ObserveEvictions records evictions for the default route.
func (c *Collector) ObserveEvictions(n int) {
	c.evictions.WithLabelValues("").Add(float64(n))
}

// ObserveBackendError records a backend failure for the default route.
func (c *Collector) ObserveBackendError() {
	c.recordBackendError("")
}

func (c *Collector) recordDecision(route, key string, allowed bool) {
	c.totalRequests.Add(1)
	outcome := "denied"
	if allowed {
		c.allowedRequests.Add(1)
		outcome = "allowed"
	} else {
		c.blockedRequests.Add(1)
	}
	c.decisions.WithLabelValues(route, outcome).Inc()

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.clientStats[key]
	if !exists {
		if len(c.clientStats) >= maxTrackedClients {
			return
		}
		stats = &ClientStats{
			ClientID:       key,
			FirstRequestAt: now,
		}
		c.clientStats[key] = stats
	}

	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = now
}

func (c *Collector) recordBackendError(route string) {
	c.backendFailures.Add(1)
	c.backendErrors.WithLabelValues(route).Inc()
}

// GetSnapshot returns a snapshot of current metrics
func (c *Collector) GetSnapshot() *Snapshot {
	c.mu.RLock()
	clients := make([]*ClientStats, 0, len(c.clientStats))
	for _, stats := range c.clientStats {
		cp := *stats
		clients = append(clients, &cp)
	}
	unique := int64(len(c.clientStats))
	c.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].TotalRequests != clients[j].TotalRequests {
			return clients[i].TotalRequests > clients[j].TotalRequests
		}
		return clients[i].ClientID < clients[j].ClientID
	})
	if len(clients) > topClients {
		clients = clients[:topClients]
	}

	return &Snapshot{
		TotalRequests:   c.totalRequests.Load(),
		AllowedRequests: c.allowedRequests.Load(),
		BlockedRequests: c.blockedRequests.Load(),
		BackendErrors:   c.backendFailures.Load(),
		UniqueClients:   unique,
		TopClients:      clients,
		UptimeSeconds:   int64(c.now().Sub(c.startTime).Seconds()),
		StartTime:       c.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests   int64          `json:"total_requests"`
	AllowedRequests int64          `json:"allowed_requests"`
	BlockedRequests int64          `json:"blocked_requests"`
	BackendErrors   int64          `json:"backend_errors"`
	UniqueClients   int64          `json:"unique_clients"`
	TopClients      []*ClientStats `json:"top_clients"`
	UptimeSeconds   int64          `json:"uptime_seconds"`
	StartTime       time.Time      `json:"start_time"`
}

// RouteObserver reports to a Collector under one route label.
type RouteObserver struct {
	c         *Collector
	route     string
	decisions bool
}

func (o *RouteObserver) ObserveDecision(key string, allowed bool) {
	if o.decisions {
		o.c.recordDecision(o.route, key, allowed)
	}
}

// ObservesDecisions is false for observers made by Collector.Buckets.
func (o *RouteObserver) ObservesDecisions() bool { return o.decisions }

func (o *RouteObserver) ObserveBuckets(n int) {
	o.c.buckets.WithLabelValues(o.route).Set(float64(n))
}

func (o *RouteObserver) ObserveEvictions(n int) {
	o.c.evictions.WithLabelValues(o.route).Add(float64(n))
}

func (o *RouteObserver) ObserveBackendError() {
	o.c.recordBackendError(o.route)
}
