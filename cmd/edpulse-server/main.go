package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edpulse/edpulse/internal/config"
	"github.com/edpulse/edpulse/internal/domain/enrichment"
	"github.com/edpulse/edpulse/internal/domain/observations"
	"github.com/edpulse/edpulse/internal/domain/reconcile"
	"github.com/edpulse/edpulse/internal/fallback"
	"github.com/edpulse/edpulse/internal/platform/fhirclient"
	"github.com/edpulse/edpulse/internal/platform/middleware"
	"github.com/edpulse/edpulse/internal/platform/telemetry"
	"github.com/edpulse/edpulse/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edpulse-server",
		Short: "ED operations dashboard backend",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [resourceType id]",
		Short: "Check upstream FHIR server reachability, optionally fetching one resource",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if cfg.FHIRBaseURL == "" {
				return fmt.Errorf("FHIR_BASE_URL is not set")
			}
			client := fhirclient.New(fhirclient.Config{
				BaseURL:     cfg.FHIRBaseURL,
				Timeout:     cfg.RequestTimeout(),
				UpstreamRPS: cfg.UpstreamRPS,
			}, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			switch len(args) {
			case 2:
				body, err := client.GetByID(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("fetch %s/%s: %w", args[0], args[1], err)
				}
				fmt.Println(string(body))
				return nil
			case 1:
				return fmt.Errorf("resource lookup needs both a resource type and an id")
			}

			if !client.Probe(ctx) {
				fmt.Println("upstream unreachable")
				os.Exit(1)
			}
			fmt.Println("upstream reachable")
			return nil
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	// Pipeline components
	client := fhirclient.New(fhirclient.Config{
		BaseURL:      cfg.FHIRBaseURL,
		Timeout:      cfg.RequestTimeout(),
		DefaultCount: cfg.FetchCount,
		UpstreamRPS:  cfg.UpstreamRPS,
	}, logger)
	aggregator := observations.New(client, cfg.ObsBatchSize, logger)
	loader := fallback.NewLoader(cfg.FallbackDir, logger)
	generator := enrichment.NewGenerator(logger)
	metrics := telemetry.NewProvider()

	coord := reconcile.NewCoordinator(reconcile.Config{
		RefreshInterval:   cfg.RefreshInterval(),
		FetchCount:        cfg.FetchCount,
		ObsPerPatient:     cfg.ObsPerPatient,
		MinViablePatients: cfg.MinViablePatients,
		MaxPerName:        cfg.MaxSurvivorsPerName,
		BedCapacity:       cfg.BedCapacity,
	}, client, aggregator, loader, generator, metrics, logger)

	metrics.RegisterGaugeFunc("reconcile_snapshot_age_seconds", func() int64 {
		snap := coord.CachedSnapshot()
		if snap == nil {
			return -1
		}
		return int64(time.Since(snap.GeneratedAt).Seconds())
	})

	// Real-time fan-out
	hub := websocket.NewHub(logger)
	coord.Subscribe(websocket.SnapshotBroadcaster(hub))

	// First reconciliation cycle before the server accepts traffic.
	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := coord.Initialize(initCtx, cfg.PreferLive); err != nil {
		cancelInit()
		logger.Fatal().Err(err).Msg("initial reconciliation failed")
	}
	cancelInit()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	coord.Start(runCtx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	e.Use(metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	// API group
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	reconcile.NewHandler(coord).RegisterRoutes(apiV1)
	websocket.NewHandler(hub).RegisterRoutes(e.Group(""))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		st := coord.Status()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"version":    "0.1.0",
			"state":      st.State,
			"dataSource": st.DataSource,
		})
	})
	e.GET("/metrics", metrics.PrometheusHandler())

	// Start server
	addr := ":" + cfg.Port
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server start failed")
		}
	}()
	logger.Info().Str("addr", addr).Bool("preferLive", cfg.PreferLive).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelRun()
	if err := coord.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("coordinator shutdown failed")
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
