package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KanavDutta/tollgate/api"
	"github.com/KanavDutta/tollgate/metrics"
	"github.com/KanavDutta/tollgate/pkg/tollgate"
	"github.com/KanavDutta/tollgate/store"
)

// service is everything runServe wires together from a Config.
type service struct {
	handler  *api.Handler
	limiters []*tollgate.Limiter[string]
	redis    *redis.Client
}

// Close releases the Redis connection, if any.
func (s *service) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// buildService creates one backend per configured route plus the default.
// Each backend is an in-process limiter, or a Redis store with that limiter
// as fallback when Redis is configured.
func buildService(cfg *tollgate.Config, collector *metrics.Collector, logger zerolog.Logger, instanceID string) (*service, error) {
	svc := &service{}

	if cfg.Redis.Addr != "" {
		svc.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithInstanceID(instanceID),
		api.WithStats(collector),
		api.WithFailOpen(cfg.FailOpen),
		api.WithObservers(func(route string) api.Observer { return collector.Route(route) }),
	}
	if svc.redis != nil {
		client := svc.redis
		opts = append(opts, api.WithHealthCheck("redis", func(r *http.Request) error {
			return client.Ping(r.Context()).Err()
		}))
	}

	routes := sortedRoutes(cfg.Policies)
	if svc.redis != nil {
		if err := checkRedisRoutes(cfg.Redis.Prefix, routes); err != nil {
			svc.Close()
			return nil, err
		}
	}

	for _, route := range routes {
		backend, err := svc.backend(cfg, route, collector, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
		opts = append(opts, api.WithRoute(route, backend))
	}

	defaultBackend, err := svc.backend(cfg, "", collector, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.handler = api.NewHandler(defaultBackend, opts...)
	return svc, nil
}

// backend returns nil for a disabled route.
func (s *service) backend(cfg *tollgate.Config, route string, collector *metrics.Collector, logger zerolog.Logger) (store.Admitter, error) {
	policy := cfg.PolicyFor(route)
	if policy.Disabled {
		logger.Info().Str("route", routeName(route)).Msg("rate limiting disabled for route")
		return nil, nil
	}

	routeLogger := logger.With().Str("route", routeName(route)).Logger()
	local, err := tollgate.NewFromConfig[string](cfg, route,
		tollgate.WithLogger(routeLogger),
		tollgate.WithObserver(collector.Buckets(route)),
	)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", routeName(route), err)
	}
	s.limiters = append(s.limiters, local)

	if s.redis == nil {
		return local, nil
	}

	shared, err := store.NewRedisStoreWithClient(s.redis, policy.Policy(), redisPrefix(cfg.Redis.Prefix, route))
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", routeName(route), err)
	}
	return store.NewFailoverStore("redis:"+routeName(route), shared, local, cfg.Breaker, routeLogger), nil
}

// defaultSegment names the default policy's Redis key space. Routes may
// not start with "_", so no route can produce it.
const defaultSegment = "_default"

// redisPrefix gives each route its own key space so policies never share
// a bucket. The route is kept verbatim.
func redisPrefix(prefix, route string) string {
	if prefix == "" {
		prefix = store.DefaultPrefix
	}
	if route == "" {
		route = defaultSegment
	}
	return prefix + route + ":"
}

// checkRedisRoutes rejects route names whose key space could overlap
// another policy's.
func checkRedisRoutes(prefix string, routes []string) error {
	seen := map[string]string{redisPrefix(prefix, ""): routeName("")}
	for _, route := range routes {
		switch {
		case route == "":
			return fmt.Errorf("%w: empty route name", tollgate.ErrInvalidConfig)
		case strings.HasPrefix(route, "_"):
			return fmt.Errorf("%w: route %q: names starting with \"_\" are reserved", tollgate.ErrInvalidConfig, route)
		case strings.Contains(route, ":"):
			return fmt.Errorf("%w: route %q: \":\" is not allowed in route names when Redis is used", tollgate.ErrInvalidConfig, route)
		}
		p := redisPrefix(prefix, route)
		if other, ok := seen[p]; ok {
			return fmt.Errorf("%w: routes %q and %q share Redis key prefix %q", tollgate.ErrInvalidConfig, other, route, p)
		}
		seen[p] = route
	}
	return nil
}

func sortedRoutes(policies map[string]tollgate.PolicyConfig) []string {
	routes := make([]string, 0, len(policies))
	for route := range policies {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}

func routeName(route string) string {
	if route == "" {
		return "default"
	}
	return route
}

// ping checks the shared store, if configured.
func (s *service) ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}
