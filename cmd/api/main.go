// Package main is the entry point for the reviewdesk API server.
//
// It loads configuration, opens the Postgres pool (and Redis when
// REDIS_URL is set), wires repositories, the billing reconciler and the
// domain handlers into the core chassis, and serves HTTP until SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"reviewdesk/internal/api/handlers"
	"reviewdesk/internal/billing"
	"reviewdesk/internal/config"
	"reviewdesk/internal/core"
	"reviewdesk/internal/db"
	"reviewdesk/internal/external"
	"reviewdesk/internal/queue"
	"reviewdesk/internal/telemetry"
	"reviewdesk/internal/types"
	"reviewdesk/internal/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.DefaultSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("reviewdesk API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	deps, err := openDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, deps, logger)
	if err != nil {
		for _, closeFn := range deps.Closers {
			_ = closeFn()
		}
		return fmt.Errorf("creating server: %w", err)
	}

	return runHTTPServer(srv, cfg, logger)
}

// dependencies are the external resources buildServer wires. Usage and SQS
// are optional.
type dependencies struct {
	DB         db.DBTX
	Usage      billing.UsageCounter
	SQS        queue.SQSSender
	Registry   *prometheus.Registry
	HTTPClient *http.Client
	Checks     []core.HealthCheck
	Closers    []func() error
}

// openDependencies connects to Postgres and, when configured, Redis and SQS.
func openDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dependencies, error) {
	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return dependencies{}, err
	}

	deps := dependencies{
		DB:         pool,
		Registry:   prometheus.NewRegistry(),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Checks: []core.HealthCheck{
			core.CheckFunc{CheckName: "database", Fn: pool.Ping},
		},
		Closers: []func() error{
			func() error { pool.Close(); return nil },
		},
	}

	if !cfg.Usage.RedisURL.IsZero() {
		opts, err := redis.ParseURL(cfg.Usage.RedisURL.Unmask())
		if err != nil {
			pool.Close()
			return dependencies{}, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		counter, err := usage.NewRedisCounter(rdb, usage.DefaultConfig())
		if err != nil {
			pool.Close()
			return dependencies{}, err
		}
		deps.Usage = counter
		deps.Checks = append(deps.Checks, core.CheckFunc{
			CheckName: "redis",
			Fn:        counter.Ping,
		})
		deps.Closers = append(deps.Closers, rdb.Close)
		logger.Info("AI usage counter backed by redis")
	}

	if cfg.AWS.BillingDLQURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			pool.Close()
			return dependencies{}, fmt.Errorf("loading AWS config: %w", err)
		}
		deps.SQS = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		logger.Info("failed billing events will be queued for replay", "queue_url", cfg.AWS.BillingDLQURL)
	}

	return deps, nil
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// buildServer wires repositories, billing and handlers into a mounted
// core.Server.
func buildServer(cfg *config.Config, deps dependencies, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthChecks = deps.Checks
	srv.Closers = deps.Closers

	catalog, err := billing.DefaultCatalog(cfg.Billing.StarterPriceID, cfg.Billing.AdvancedPriceID)
	if err != nil {
		return nil, fmt.Errorf("building plan catalog: %w", err)
	}
	prices, err := billing.NewPriceMap(catalog, cfg.Billing.PriceMap)
	if err != nil {
		return nil, fmt.Errorf("building price map: %w", err)
	}

	accounts := db.NewAccountRepository(deps.DB, logger)
	businesses := db.NewBusinessRepository(deps.DB)
	reviews := db.NewReviewRepository(deps.DB)
	responses := db.NewResponseRepository(deps.DB)
	notifications := db.NewNotificationRepository(deps.DB)
	deadLetters := db.NewDeadLetterRepository(deps.DB)

	var usageCounter billing.UsageCounter = db.NewUsageRepository(deps.DB)
	if deps.Usage != nil {
		usageCounter = deps.Usage
	}

	// Interface-typed so a disabled collector stays a true nil.
	var (
		reconcileMetrics billing.Metrics
		limitMetrics     handlers.LimitMetrics
	)
	if cfg.Observability.EnableMetrics {
		reg := deps.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promMetrics := telemetry.NewPrometheusMetrics(reg, cfg.Observability.MetricNamespace)
		srv.Metrics = promMetrics
		reconcileMetrics = promMetrics
		limitMetrics = promMetrics
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	stripeClient := external.NewStripeClient(external.NewStripeBaseClient(httpClient), external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		Logger:    logger,
	})

	var lineItems billing.LineItemSource
	if cfg.Billing.VerifyLineItems {
		lineItems = stripeClient
	}

	sink := billing.TeeSink{deadLetters}
	if deps.SQS != nil && cfg.AWS.BillingDLQURL != "" {
		sink = append(sink, queue.NewDeadLetterPublisher(deps.SQS, cfg.AWS.BillingDLQURL, logger))
	}

	reconcilerCfg := billing.ReconcilerConfig{
		Accounts:  accounts,
		Catalog:   catalog,
		Prices:    prices,
		LineItems: lineItems,
		Sink:      sink,
		Notifier:  notifications,
		Metrics:   reconcileMetrics,
		Logger:    logger,
	}
	webhookReconciler := billing.NewReconciler(reconcilerCfg)

	// Replays update the existing dead letter instead of writing a new one.
	reconcilerCfg.Sink = nil
	replayReconciler := billing.NewReconciler(reconcilerCfg)

	reporter := billing.NewUsageReporter(billing.NewEvaluator(catalog), usageCounter, businesses, logger)
	generator := newReplyGenerator(cfg.AI, logger)

	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		webhookReconciler,
		sink,
		cfg.Billing.StripeWebhookSecret,
		logger,
	)
	plansHandler := handlers.NewPlansHandler(catalog)
	accountHandler := handlers.NewAccountHandler(accounts, catalog, reporter, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, prices, accounts, catalog, cfg, srv.Validator, logger)
	businessHandler := handlers.NewBusinessHandler(businesses, accounts, reporter, limitMetrics, srv.Validator, logger)
	responseHandler := handlers.NewResponseHandler(
		reviews,
		businesses,
		responses,
		accounts,
		generator,
		reporter,
		reporter,
		limitMetrics,
		srv.Validator,
		logger,
	)
	reviewHandler := handlers.NewReviewHandler(reviews, accounts, reporter)
	notificationHandler := handlers.NewNotificationHandler(notifications, srv.Validator)
	deadLetterHandler := handlers.NewDeadLetterHandler(deadLetters, replayReconciler, logger)

	srv.RootRegistrars = append(srv.RootRegistrars, webhookHandler.RegisterRoutes)
	srv.PublicRegistrars = append(srv.PublicRegistrars, plansHandler.RegisterRoutes)
	srv.AccountRegistrars = append(srv.AccountRegistrars,
		accountHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		businessHandler.RegisterRoutes,
		responseHandler.RegisterRoutes,
		reviewHandler.RegisterRoutes,
		notificationHandler.RegisterRoutes,
	)
	srv.AdminRegistrars = append(srv.AdminRegistrars, deadLetterHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// newReplyGenerator returns the Anthropic client, or a generator that always
// fails with upstream_ai_unavailable when no API key is configured.
func newReplyGenerator(cfg config.AIConfig, logger *slog.Logger) handlers.ReplyGenerator {
	if cfg.AnthropicAPIKey.IsZero() {
		logger.Warn("ANTHROPIC_API_KEY is not set; AI reply generation is disabled")
		return disabledGenerator{}
	}
	return external.NewAnthropicClient(&http.Client{Timeout: cfg.Timeout}, external.AnthropicConfig{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Logger:    logger,
	})
}

type disabledGenerator struct{}

func (disabledGenerator) GenerateReply(context.Context, external.ReplyRequest) (string, error) {
	return "", types.NewAppError(types.ErrCodeUpstreamAI, "AI reply generation is not configured", nil)
}

// runHTTPServer serves until a shutdown signal arrives or the listener fails,
// then drains connections and closes server resources.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level. Unknown levels
// fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
