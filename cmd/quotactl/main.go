// Command quotactl is the operator CLI for usage quotas: it applies
// migrations, inspects an organization's usage and settles reservations by
// hand.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/DukeRupert/mailsmith/internal"
	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/store"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// options are the connection flags shared by every subcommand.
type options struct {
	databaseDriver string
	databaseURL    string
	counterBackend string
	redisURL       string
	catalogPath    string
	logLevel       string
}

// reservationReader looks up one reservation. Both counters implement it.
type reservationReader interface {
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
}

// backend is an open store plus the counter selected by --counter-backend.
type backend struct {
	db           *sql.DB
	store        *store.SQLStore
	counter      quota.UsageCounter
	sweeper      quota.StaleSweeper
	reservations reservationReader
	closers      []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func (o *options) logger(w io.Writer) *slog.Logger {
	return internal.NewLogger(w, "development", o.logLevel)
}

// open connects to the database and, for the redis backend, to Redis.
func (o *options) open(ctx context.Context) (*backend, error) {
	if o.databaseURL == "" {
		return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}

	dialect := store.Dialect(o.databaseDriver)
	db, err := store.Open(ctx, store.OpenConfig{
		Dialect:       dialect,
		DSN:           o.databaseURL,
		RetryAttempts: 3,
		RetryInterval: time.Second,
	})
	if err != nil {
		return nil, err
	}

	sqlStore := store.New(db, dialect)
	b := &backend{
		db:           db,
		store:        sqlStore,
		counter:      sqlStore,
		sweeper:      sqlStore,
		reservations: sqlStore,
		closers:      []func() error{db.Close},
	}

	switch o.counterBackend {
	case "sql":
	case "redis":
		client, err := store.ConnectRedis(ctx, o.redisURL, 3, time.Second)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)

		rc := store.NewRedisCounter(client)
		b.counter, b.sweeper, b.reservations = rc, rc, rc
	default:
		b.Close()
		return nil, fmt.Errorf("unknown counter backend %q", o.counterBackend)
	}

	return b, nil
}

// catalog returns the built-in plans or the YAML override.
func (o *options) catalog() (*quota.Catalog, error) {
	if o.catalogPath == "" {
		return quota.DefaultCatalog(), nil
	}
	f, err := os.Open(o.catalogPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return quota.LoadCatalog(f)
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()

	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "quotactl",
		Short:         "Inspect and repair mailsmith usage quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.databaseDriver, "database-driver", envOr("DATABASE_DRIVER", "postgres"), "database driver (postgres or sqlite)")
	flags.StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "database connection string or SQLite path")
	flags.StringVar(&opts.counterBackend, "counter-backend", envOr("COUNTER_BACKEND", "sql"), "usage counter backend (sql or redis)")
	flags.StringVar(&opts.redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL for the redis counter backend")
	flags.StringVar(&opts.catalogPath, "catalog", os.Getenv("PLAN_CATALOG_PATH"), "plan catalog YAML override")
	flags.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level")

	rootCmd.AddCommand(
		newMigrateCmd(opts),
		newPlansCmd(opts),
		newUsageCmd(opts),
		newPendingCmd(opts),
		newSweepCmd(opts),
		newReleaseCmd(opts),
		newTokenCmd(),
	)

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
