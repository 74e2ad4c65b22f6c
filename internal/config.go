package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Public URL of the web app, used for Stripe redirect URLs
	BaseURL string

	// Database
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseUrl    string

	// Usage counters live in the database by default; "redis" moves the
	// counters and reservations to Redis while organizations stay in SQL.
	CounterBackend string // "sql" or "redis"
	RedisURL       string

	// Quota
	PlanCatalogPath       string // Optional YAML override of the built-in plans
	TrialDays             int
	QuotaStoreTimeout     time.Duration
	GenerationTimeout     time.Duration
	ReservationStaleAfter time.Duration
	SweepEnabled          bool
	SweepInterval         time.Duration

	// Bearer tokens are issued by the identity provider and verified with a
	// shared HS256 secret.
	AuthJWTSecret string
	AuthJWTIssuer string

	CORSAllowedOrigins []string

	// Per-user request rate limit on generation endpoints
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for local file storage
	LocalStorageURL  string // Prefix for local file URLs; the member-only file routes live under /api

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string // Optional custom domain URL

	// Template generation
	AIProvider       string // "anthropic" or "mock"
	AnthropicAPIKey  string
	AnthropicModel   string
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration

	// Image generation
	ImageProvider           string // "openai" or "mock"
	OpenAIAPIKey            string
	OpenAIImageModel        string
	OpenAIPremiumImageModel string

	// Stripe Billing Configuration
	// Billing endpoints answer 503 when the secret key is empty.
	StripeSecretKey     string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)

	// Stripe Price IDs for subscription plans
	StripeProMonthlyPriceID   string
	StripeProYearlyPriceID    string
	StripeScaleMonthlyPriceID string
	StripeScaleYearlyPriceID  string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		BaseURL: getEnv("BASE_URL", "http://localhost:3000"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseUrl:    os.Getenv("DATABASE_URL"),

		CounterBackend: getEnv("COUNTER_BACKEND", "sql"),
		RedisURL:       getEnv("REDIS_URL", ""),

		PlanCatalogPath:       getEnv("PLAN_CATALOG_PATH", ""),
		TrialDays:             getEnvInt("TRIAL_DAYS", 14),
		QuotaStoreTimeout:     getEnvDuration("QUOTA_STORE_TIMEOUT", 2*time.Second),
		GenerationTimeout:     getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute),
		ReservationStaleAfter: getEnvDuration("RESERVATION_STALE_AFTER", 15*time.Minute),
		SweepEnabled:          getEnvBool("SWEEP_ENABLED", true),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),

		AuthJWTSecret: os.Getenv("AUTH_JWT_SECRET"),
		AuthJWTIssuer: getEnv("AUTH_JWT_ISSUER", ""),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/api"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		// AI provider defaults
		AIProvider:       getEnv("AI_PROVIDER", "mock"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", ""),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 60*time.Second),

		ImageProvider:           getEnv("IMAGE_PROVIDER", "mock"),
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIImageModel:        getEnv("OPENAI_IMAGE_MODEL", ""),
		OpenAIPremiumImageModel: getEnv("OPENAI_PREMIUM_IMAGE_MODEL", ""),

		// Stripe billing (optional)
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		StripeProMonthlyPriceID:   getEnv("STRIPE_PRO_MONTHLY_PRICE_ID", ""),
		StripeProYearlyPriceID:    getEnv("STRIPE_PRO_YEARLY_PRICE_ID", ""),
		StripeScaleMonthlyPriceID: getEnv("STRIPE_SCALE_MONTHLY_PRICE_ID", ""),
		StripeScaleYearlyPriceID:  getEnv("STRIPE_SCALE_YEARLY_PRICE_ID", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BillingEnabled reports whether Stripe is configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

// TrialLength is the trial duration granted by StartTrial.
func (c *Config) TrialLength() time.Duration {
	return time.Duration(c.TrialDays) * 24 * time.Hour
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseUrl == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be either 'postgres' or 'sqlite', got: %s", c.DatabaseDriver))
	}

	switch c.CounterBackend {
	case "sql":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required when COUNTER_BACKEND is 'redis'"))
		}
	default:
		errs = append(errs, fmt.Errorf("COUNTER_BACKEND must be either 'sql' or 'redis', got: %s", c.CounterBackend))
	}

	if c.AuthJWTSecret == "" {
		errs = append(errs, fmt.Errorf("AUTH_JWT_SECRET is required"))
	} else if c.Env != "development" && len(c.AuthJWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes outside development"))
	}

	if c.TrialDays < 1 {
		errs = append(errs, fmt.Errorf("TRIAL_DAYS must be at least 1, got %d", c.TrialDays))
	}
	if c.ReservationStaleAfter <= c.GenerationTimeout {
		errs = append(errs, fmt.Errorf("RESERVATION_STALE_AFTER (%v) must exceed GENERATION_TIMEOUT (%v)",
			c.ReservationStaleAfter, c.GenerationTimeout))
	}
	if c.RateLimitRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1, got %d", c.RateLimitRequests))
	}

	// Validate storage configuration
	switch c.StorageProvider {
	case "local":
	case "r2":
		for key, value := range map[string]string{
			"R2_ACCOUNT_ID":        c.R2AccountID,
			"R2_ACCESS_KEY_ID":     c.R2AccessKeyID,
			"R2_SECRET_ACCESS_KEY": c.R2SecretAccessKey,
			"R2_BUCKET_NAME":       c.R2BucketName,
		} {
			if value == "" {
				errs = append(errs, fmt.Errorf("%s is required when STORAGE_PROVIDER is 'r2'", key))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", c.StorageProvider))
	}

	// Validate AI provider configuration
	switch c.AIProvider {
	case "mock":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'"))
		}
	default:
		errs = append(errs, fmt.Errorf("AI_PROVIDER must be either 'anthropic' or 'mock', got: %s", c.AIProvider))
	}

	switch c.ImageProvider {
	case "mock":
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required when IMAGE_PROVIDER is 'openai'"))
		}
	default:
		errs = append(errs, fmt.Errorf("IMAGE_PROVIDER must be either 'openai' or 'mock', got: %s", c.ImageProvider))
	}

	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
