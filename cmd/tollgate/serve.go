package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KanavDutta/tollgate/metrics"
)

var (
	serveAddr       string
	serveCapacity   int64
	serveInterval   time.Duration
	serveRedisAddr  string
	serveFailOpen   bool
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rate limit decision service",
	Long: `Run the HTTP decision service.

Endpoints:
  POST /check     {"key": "...", "route": "..."} -> allowed / 429
  GET  /stats     JSON statistics and top clients
  GET  /health    instance id and dependency checks
  GET  /metrics   Prometheus metrics

Configuration is read from --config, then TOLLGATE_* environment variables,
then the flags below.

Examples:
  tollgate serve
  tollgate serve --config tollgate.yaml --log-format console
  tollgate serve --redis-addr localhost:6379 --capacity 50 --refill-interval 200ms`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "addr", ":8080", "HTTP listen address")
	f.Int64Var(&serveCapacity, "capacity", 0, "Default bucket capacity (overrides config)")
	f.DurationVar(&serveInterval, "refill-interval", 0, "Default time to regenerate one token (overrides config)")
	f.StringVar(&serveRedisAddr, "redis-addr", "", "Redis address for shared state (overrides config)")
	f.BoolVar(&serveFailOpen, "fail-open", false, "Allow requests when the backend fails")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for in-flight requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("capacity") {
		cfg.Defaults.Capacity = serveCapacity
	}
	if flags.Changed("refill-interval") {
		cfg.Defaults.RefillInterval = serveInterval
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = serveRedisAddr
	}
	if flags.Changed("fail-open") {
		cfg.FailOpen = serveFailOpen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	instanceID := uuid.NewString()
	logger := log.Logger.With().Str("instance_id", instanceID).Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	svc, err := buildService(cfg, collector, logger, instanceID)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           newRouter(svc, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, using in-process fallback until it recovers")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", serveAddr).
			Int64("capacity", cfg.Defaults.Capacity).
			Dur("refill_interval", cfg.Defaults.RefillInterval).
			Int("routes", len(cfg.Policies)).
			Bool("redis", cfg.Redis.Addr != "").
			Msg("tollgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	for _, l := range svc.limiters {
		l := l
		g.Go(func() error { return l.RunReaper(ctx) })
	}

	return g.Wait()
}

func newRouter(svc *service, reg *prometheus.Registry, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Mount("/", svc.handler.Routes())
	return r
}
