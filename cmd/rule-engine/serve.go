package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ruleengine/internal/config"
	"github.com/ehr/ruleengine/internal/domain/rules"
	"github.com/ehr/ruleengine/internal/platform/actions"
	"github.com/ehr/ruleengine/internal/platform/auth"
	"github.com/ehr/ruleengine/internal/platform/clinicaldata"
	"github.com/ehr/ruleengine/internal/platform/db"
	"github.com/ehr/ruleengine/internal/platform/events"
	"github.com/ehr/ruleengine/internal/platform/lookup"
	"github.com/ehr/ruleengine/internal/platform/metrics"
	"github.com/ehr/ruleengine/internal/platform/middleware"
	"github.com/ehr/ruleengine/internal/platform/notification"
	"github.com/ehr/ruleengine/internal/platform/ruleengine"
	"github.com/ehr/ruleengine/internal/platform/schema"
	"github.com/ehr/ruleengine/internal/platform/task"
	"github.com/ehr/ruleengine/internal/platform/webhook"
)

const metricsNamespace = "rule_engine"

// lookupStore is a lookup backend that seed files can also write to.
type lookupStore interface {
	ruleengine.LookupSource
	Put(ctx context.Context, table, key string, record map[string]any) error
}

// app is the engine wired over Postgres. serve, seed and dispatch share it.
type app struct {
	tenants    *db.Tenants
	validator  *schema.Validator
	svc        *rules.Service
	dispatcher *ruleengine.Dispatcher
	data       *clinicaldata.Store
	lookups    lookupStore
	redis      *lookup.RedisSource
	notifier   *notification.Manager
	webhooks   *webhook.Sender
	tasks      *task.Board
}

// buildApp wires repositories, the resolver, action handlers and the
// dispatcher. A nil reg disables engine metrics; a nil bus leaves the
// publish action unregistered.
func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, reg prometheus.Registerer, bus actions.Publisher, logger zerolog.Logger) (*app, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	var m metrics.Metrics = metrics.Noop{}
	if reg != nil {
		m = metrics.NewProm(metricsNamespace, reg)
	}

	a := &app{
		tenants:   db.NewTenants(pool, cfg.DBMaxConns),
		validator: validator,
		data:      clinicaldata.NewStore(pool),
	}

	switch cfg.LookupBackend {
	case "redis":
		a.redis, err = lookup.NewRedisSource(ctx, cfg.RedisURL)
		if err != nil {
			a.tenants.Close()
			return nil, err
		}
		a.lookups = a.redis
	default:
		a.lookups = clinicaldata.NewLookupStore(pool)
	}

	ruleRepo := rules.NewRuleRepo(pool)
	varRepo := rules.NewVariableRepo(pool)
	execRepo := rules.NewExecutionRepo(pool)
	a.svc = rules.NewService(ruleRepo, varRepo, execRepo, logger)

	resolver, err := ruleengine.NewResolver(varRepo, a.data, a.lookups, m, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	sender := notification.LogSender{Logger: logger}
	a.notifier = notification.NewManager(sender, sender, nil)
	a.tasks = task.NewBoard()
	a.webhooks = webhook.NewSender(cfg.WebhookSecret, webhook.NewDeliveryLog(1000),
		webhook.WithMaxRetries(cfg.WebhookMaxRetries),
		webhook.WithLogger(logger),
	)

	executor := ruleengine.NewExecutor(resolver, m, logger)
	actions.Register(executor, actions.Deps{
		Notifier: a.notifier,
		Webhooks: a.webhooks,
		Bus:      bus,
		Tasks:    a.tasks,
		Logger:   logger,
	})

	a.dispatcher = ruleengine.NewDispatcher(ruleRepo, resolver, executor,
		ruleengine.NewRecorder(execRepo, logger),
		ruleengine.DispatcherConfig{RuleTimeout: cfg.RuleTimeout, MaxConcurrency: cfg.RuleMaxConcurrency},
		m, logger)

	a.svc.SetEngine(&ruleengine.Engine{
		Resolver:   resolver,
		Dispatcher: a.dispatcher,
		Tenant:     db.TenantFromContext,
	})
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.tenants.Close()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the rule engine API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Event bus
	var nc *nats.Conn
	var bus actions.Publisher
	if cfg.NATSURL != "" {
		nc, err = events.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Close()
		bus = events.NewPublisher(nc)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var engineReg prometheus.Registerer
	if cfg.MetricsEnabled {
		engineReg = reg
	}

	a, err := buildApp(ctx, cfg, pool, engineReg, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build rule engine")
	}
	defer a.Close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	if cfg.MetricsEnabled {
		e.Use(metrics.NewHTTP(metricsNamespace, reg).Middleware())
	}

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Infrastructure endpoints
	checks := map[string]db.Checker{}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	if nc != nil {
		checks["nats"] = events.Check(nc)
	}
	e.GET("/health", db.HealthHandler(pool, checks))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))
	}

	// API group
	apiV1 := e.Group("/api/v1",
		db.TenantMiddleware(a.tenants, cfg.DefaultTenant),
		middleware.RequestTimeout(30*time.Second, "/api/v1/dispatch"),
		middleware.BodyLimit("1M", "10M", "/api/v1/dispatch"),
		middleware.RateLimit(middleware.DefaultRateLimitConfig()),
	)
	rules.NewHandler(a.svc, a.validator).RegisterRoutes(apiV1)
	webhook.NewHandler(a.webhooks.Log()).RegisterRoutes(apiV1)
	notification.NewHandler(a.notifier).RegisterRoutes(apiV1)
	task.NewHandler(a.tasks).RegisterRoutes(apiV1)

	// Bus subscriber
	if nc != nil {
		sub := events.NewSubscriber(events.SubscriberConfig{
			Subject:       cfg.EventsSubject,
			DefaultTenant: cfg.DefaultTenant,
		}, a.dispatcher.Dispatch, func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
			return db.WithTenant(ctx, a.tenants, tenantID, fn)
		}, logger)
		if err := sub.Start(nc); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to trigger events")
		}
		defer func() {
			if err := sub.Stop(); err != nil {
				logger.Warn().Err(err).Msg("drain subscription")
			}
		}()
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
