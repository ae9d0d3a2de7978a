package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/intake"
	"github.com/ehr/triage/internal/domain/queue"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/filestore"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/internal/platform/telemetry"
	"github.com/ehr/triage/migrations"
)

const version = "0.1.0"

// sweepInterval is how often expired assessment sessions are dropped.
const sweepInterval = time.Minute

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// openStore returns the queue store for the configured backend. The pool is
// nil for the file backend.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (queue.Store, *pgxpool.Pool, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return queue.NewPGStore(pool, logger), pool, nil
	default:
		mode, err := cfg.FileMode()
		if err != nil {
			return nil, nil, err
		}
		return queue.NewFileStore(cfg.DataFile, logger, filestore.WithPerm(mode)), nil, nil
	}
}

type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.TelemetryProvider
	pool      *pgxpool.Pool
	queue     *queue.Service
	sessions  *intake.SessionStore
	echo      *echo.Echo
}

// newApp builds every component and registers routes. The caller owns the
// returned app and must call close.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tp, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "triage-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	policy, catalog, err := triage.PolicyByName(cfg.TriagePolicy)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	if err := triage.CheckCoverage(policy, catalog); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("policy %s: %w", policy.Name(), err)
	}

	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, telemetry: tp, pool: pool}

	if pool != nil {
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("database migrations up to date")
	}

	var (
		triageMetrics *triage.Metrics
		queueMetrics  *queue.Metrics
		intakeMetrics *intake.Metrics
		httpMetrics   *middleware.HTTPMetrics
	)
	if tp.MetricsEnabled() {
		reg := tp.Registerer()
		triageMetrics = triage.NewMetrics(reg)
		queueMetrics = queue.NewMetrics(reg)
		intakeMetrics = intake.NewMetrics(reg)
		httpMetrics = middleware.NewHTTPMetrics(reg)
	}

	a.queue = queue.NewService(store,
		queue.WithLogger(logger.With().Str("component", "queue").Logger()),
		queue.WithMetrics(queueMetrics),
		queue.WithCatalog(catalog),
	)
	a.sessions = intake.NewSessionStore(catalog, triage.Instrument(policy, triageMetrics), cfg.SessionTTL, intakeMetrics)
	a.echo = a.routes(httpMetrics)

	logger.Info().
		Str("backend", cfg.StoreBackend).
		Str("location", store.Location()).
		Str("policy", policy.Name()).
		Msg("triage server configured")
	return a, nil
}

func (a *app) routes(httpMetrics *middleware.HTTPMetrics) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	e.Use(middleware.RequestID())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Logger(a.logger))
	if httpMetrics != nil {
		e.Use(middleware.Metrics(httpMetrics))
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, "traceparent"},
	}))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	if a.telemetry.MetricsEnabled() {
		e.GET("/metrics", a.telemetry.PrometheusHandler())
	}

	api := e.Group("/api")
	api.Use(middleware.BodyLimit(cfg.BodyLimit))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	api.Use(middleware.Audit(a.logger))

	queue.NewHandler(a.queue).RegisterRoutes(api)
	intake.NewHandler(a.sessions, a.queue, a.logger.With().Str("component", "intake").Logger()).RegisterRoutes(api)
	return e
}

// run serves until ctx is cancelled, then shuts down gracefully.
func (a *app) run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := a.sessions.Sweep(); n > 0 {
					a.logger.Debug().Int("expired", n).Msg("assessment sessions swept")
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("telemetry shutdown")
	}
}
