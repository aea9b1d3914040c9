// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	vagent "github.com/zeus911/vagent2"
	"github.com/zeus911/vagent2/examples/simple"
	"github.com/zeus911/vagent2/pkg/health"
	"github.com/zeus911/vagent2/pkg/metrics"
	"github.com/zeus911/vagent2/pkg/ratelimit"
	"github.com/zeus911/vagent2/pkg/router"
	"github.com/zeus911/vagent2/pkg/server/tcp"
	"golang.org/x/sync/errgroup"
)

const maxGoroutines = 50000

func main() {
	// .env is optional; its absence is reported once the logger exists.
	dotenvErr := godotenv.Load()

	cfg, err := vagent.NewConfig(env.Options{Prefix: vagent.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if dotenvErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	token, err := cfg.Token()
	if err != nil {
		logger.Error("Failed to load credentials", slog.String("error", err.Error()))
		os.Exit(1)
	}
	address, err := cfg.Address()
	if err != nil {
		logger.Error("Invalid listen address", slog.String("error", err.Error()))
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("vagent", promReg)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > maxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, maxGoroutines)
		}
		return nil
	})

	routes := router.NewRegistry()
	simple.New(logger, cfg.StaticDir).Register(routes)
	routes.Register("/health", router.MethodGet, checker.Route(), nil)

	dispatcher := router.NewDispatcher(router.Config{
		Token:      token,
		ReadOnly:   cfg.ReadOnly,
		Realm:      cfg.Realm,
		SecretFile: cfg.SecretFile,
		Logger:     logger,
		Metrics:    m,
	}, routes)

	serverCfg := tcp.Config{
		Address:         address,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxBodySize:     cfg.MaxBodySize,
		Logger:          logger,
		Metrics:         m,
	}
	if cfg.AcceptRateCapacity > 0 {
		serverCfg.GlobalLimiter = ratelimit.NewTokenBucket(cfg.AcceptRateCapacity, cfg.AcceptRateRefill)
	}
	if cfg.PerClientRateCapacity > 0 {
		serverCfg.ClientLimiter = ratelimit.NewLimiter(cfg.PerClientRateCapacity, cfg.PerClientRateRefill, cfg.MaxClients)
	}

	server := tcp.New(serverCfg, dispatcher)
	if err := server.Bind(); err != nil {
		logger.Error("Failed to start agent, already running?", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("Starting varnish agent",
		slog.String("address", address),
		slog.Bool("read_only", cfg.ReadOnly),
		slog.Int("routes", len(routes.Routes())))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Listen(ctx)
	})

	if cfg.MetricsPort > 0 {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsPort, promReg, checker, logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("varnish agent terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("varnish agent stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// metricsRouter routes the Prometheus endpoint and the health probes.
func metricsRouter(reg *prometheus.Registry, checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/health", checker.HTTPHandler())
	r.Get("/ready", checker.ReadinessHandler())
	r.Get("/live", health.LivenessHandler())
	return r
}

// serveMetrics runs the Prometheus and probe listener until ctx is done.
func serveMetrics(ctx context.Context, port int, reg *prometheus.Registry, checker *health.Checker, logger *slog.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      metricsRouter(reg, checker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
