package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/mailsmith/internal"
	"github.com/DukeRupert/mailsmith/internal/auth"
	"github.com/DukeRupert/mailsmith/internal/billing"
	"github.com/DukeRupert/mailsmith/internal/generation"
	"github.com/DukeRupert/mailsmith/internal/generation/anthropic"
	"github.com/DukeRupert/mailsmith/internal/generation/mock"
	"github.com/DukeRupert/mailsmith/internal/generation/openai"
	"github.com/DukeRupert/mailsmith/internal/handler"
	"github.com/DukeRupert/mailsmith/internal/metrics"
	"github.com/DukeRupert/mailsmith/internal/middleware"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/storage"
	"github.com/DukeRupert/mailsmith/internal/store"
	"github.com/DukeRupert/mailsmith/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialize database connection
	dialect := store.Dialect(cfg.DatabaseDriver)
	db, err := store.Open(ctx, store.OpenConfig{
		Dialect:       dialect,
		DSN:           cfg.DatabaseUrl,
		RetryAttempts: 10,
		RetryInterval: time.Second,
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	// Run migrations
	if err := internal.RunMigrations(ctx, db, cfg.DatabaseDriver, logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready", "driver", cfg.DatabaseDriver)

	sqlStore := store.New(db, dialect)
	checks := map[string]handler.HealthCheck{
		"database": sqlStore.Ping,
	}

	// ==========================================================================
	// Quota
	// ==========================================================================

	var (
		counter quota.UsageCounter = sqlStore
		sweeper quota.StaleSweeper = sqlStore
	)
	if cfg.CounterBackend == "redis" {
		client, err := store.ConnectRedis(ctx, cfg.RedisURL, 10, time.Second)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()

		redisCounter := store.NewRedisCounter(client)
		counter, sweeper = redisCounter, redisCounter
		checks["redis"] = store.RedisHealthcheck(client)
		logger.Info("Usage counters in Redis")
	}

	catalog, err := loadCatalog(cfg.PlanCatalogPath)
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}

	evaluator := quota.NewEvaluator(sqlStore, counter, catalog, logger,
		quota.WithStoreTimeout(cfg.QuotaStoreTimeout),
	)
	gate := quota.NewGate(evaluator, counter, logger,
		quota.WithStoreTimeout(cfg.QuotaStoreTimeout),
		quota.WithOperationTimeout(cfg.GenerationTimeout),
		quota.WithClassifier(generation.Classify),
	)
	presenter := quota.NewPresenter(evaluator)

	// ==========================================================================
	// Generation, storage and billing
	// ==========================================================================

	templates, images, err := newGenerators(cfg, logger)
	if err != nil {
		return fmt.Errorf("generation provider initialization failed: %w", err)
	}

	fileStore, err := storage.New(storage.Config{
		Provider: cfg.StorageProvider,
		Local: storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		},
		R2: storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	assets := storage.NewAssets(fileStore, logger)

	var (
		billingService billing.Service
		applier        handler.EventApplier
	)
	if cfg.BillingEnabled() {
		billingService = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, billing.PriceConfig{
			ProMonthlyPriceID:   cfg.StripeProMonthlyPriceID,
			ProYearlyPriceID:    cfg.StripeProYearlyPriceID,
			ScaleMonthlyPriceID: cfg.StripeScaleMonthlyPriceID,
			ScaleYearlyPriceID:  cfg.StripeScaleYearlyPriceID,
		})
		applier = billing.NewSync(billingService, sqlStore, logger)
	} else {
		logger.Warn("Billing disabled: STRIPE_SECRET_KEY is not set")
	}

	// ==========================================================================
	// Middleware
	// ==========================================================================

	isSecure := cfg.Env != "development"
	authMw := middleware.NewAuthMiddleware(auth.NewTokenVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer), sqlStore, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
	defer limiter.Stop()
	rateLimitMw := middleware.NewRateLimitMiddleware(limiter, middleware.KeyByPrincipal, logger)

	authed := middleware.Stack(authMw.RequireBearer)
	member := middleware.Stack(authMw.RequireBearer, authMw.RequireMember)
	metered := middleware.Stack(authMw.RequireBearer, rateLimitMw.Limit, authMw.RequireMember)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	handler.NewHealthHandler(checks, logger).RegisterRoutes(mux)
	handler.NewOrganizationHandler(sqlStore, cfg.TrialLength(), logger).RegisterRoutes(mux, authed, member)
	handler.NewUsageHandler(presenter, logger).RegisterRoutes(mux, member)
	handler.NewGenerationHandler(gate, templates, images, assets, logger).RegisterRoutes(mux, metered)
	handler.NewBillingHandler(billingService, sqlStore, cfg.BaseURL, logger).RegisterRoutes(mux, member)
	handler.NewWebhookHandler(billingService, applier, logger).RegisterRoutes(mux)
	handler.NewFileHandler(fileStore, logger).RegisterRoutes(mux, member)

	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	root := middleware.Stack(
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		middleware.NewSecurityHeadersMiddleware(isSecure).Handler,
		middleware.NewCORS(cfg.CORSAllowedOrigins),
		metrics.Middleware,
	)(mux)

	// ==========================================================================
	// Start server and background work
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Generation requests hold the connection for the provider call
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if cfg.SweepEnabled {
		w, err := worker.New(worker.Config{
			Interval:        cfg.SweepInterval,
			JobTimeout:      min(30*time.Second, cfg.SweepInterval),
			ShutdownTimeout: 30 * time.Second,
		}, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}
		w.Register(worker.NewSweeper(sweeper, cfg.ReservationStaleAfter, logger))
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// loadCatalog returns the built-in plans, or the YAML override at path.
func loadCatalog(path string) (*quota.Catalog, error) {
	if path == "" {
		return quota.DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return quota.LoadCatalog(f)
}

// newGenerators builds the template and image providers named in cfg. The
// mock provider serves both in development.
func newGenerators(cfg *internal.Config, logger *slog.Logger) (generation.TemplateGenerator, generation.ImageGenerator, error) {
	providerConfig := generation.ProviderConfig{
		MaxRetries:     cfg.AIMaxRetries,
		RetryBaseDelay: cfg.AIRetryBaseDelay,
		RequestTimeout: cfg.AIRequestTimeout,
	}

	var (
		templates generation.TemplateGenerator
		images    generation.ImageGenerator
	)
	fake := mock.New(logger)

	switch cfg.AIProvider {
	case "anthropic":
		p, err := anthropic.New(anthropic.Config{
			APIKey:         cfg.AnthropicAPIKey,
			Model:          cfg.AnthropicModel,
			ProviderConfig: providerConfig,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		templates = p
	default:
		templates = fake
	}

	switch cfg.ImageProvider {
	case "openai":
		p, err := openai.New(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			StandardModel:  cfg.OpenAIImageModel,
			PremiumModel:   cfg.OpenAIPremiumImageModel,
			ProviderConfig: providerConfig,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		images = p
	default:
		images = fake
	}

	return templates, images, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
