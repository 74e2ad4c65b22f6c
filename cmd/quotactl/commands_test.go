package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/mailsmith/internal/auth"
	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs quotactl against dbPath and returns stdout.
func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()

	rootCmd := newRootCmd()
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(append([]string{
		"--database-driver", "sqlite",
		"--database-url", dbPath,
		"--counter-backend", "sql",
		"--catalog=",
	}, args...))

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// migratedDB applies migrations through the CLI and returns the database
// path together with a store over it for seeding.
func migratedDB(t *testing.T) (string, *store.SQLStore) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "quotactl.db")
	out, err := execute(t, dbPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied")

	db, err := store.Open(context.Background(), store.OpenConfig{
		Dialect: store.DialectSQLite,
		DSN:     dbPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return dbPath, store.New(db, store.DialectSQLite)
}

func reserveTemplate(t *testing.T, s *store.SQLStore, orgID uuid.UUID) domain.Reservation {
	t.Helper()
	r, err := s.Reserve(context.Background(), quota.ReserveParams{
		OrganizationID: orgID,
		Metric:         domain.MetricTemplate,
		PeriodKey:      "2026-10",
		Limit:          10,
	})
	require.NoError(t, err)
	return r
}

func TestPlansCommand(t *testing.T) {
	out, err := execute(t, "", "plans")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(quota.DefaultCatalog().Plans())+1)
	assert.True(t, strings.HasPrefix(lines[0], "PLAN"))
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "scale")
}

func TestUsageCommand(t *testing.T) {
	dbPath, s := migratedDB(t)
	org, err := s.CreateOrganization(context.Background(), "Acme", "user_owner")
	require.NoError(t, err)

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, dbPath, "usage", org.ID.String())
		require.NoError(t, err)
		assert.Contains(t, out, org.ID.String())
		assert.Contains(t, out, "Free")
		assert.Contains(t, out, "METRIC")
		assert.Contains(t, out, string(domain.MetricTemplate))
		assert.Contains(t, out, string(domain.MetricImage))
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, dbPath, "usage", org.ID.String(), "--json")
		require.NoError(t, err)

		var view quota.UsageView
		require.NoError(t, json.Unmarshal([]byte(out), &view))
		assert.Equal(t, org.ID, view.OrganizationID)
		assert.Equal(t, domain.PlanFree, view.Plan)
		assert.Len(t, view.Metrics, 2)
	})

	t.Run("unknown organization", func(t *testing.T) {
		_, err := execute(t, dbPath, "usage", uuid.NewString())
		require.Error(t, err)
		assert.ErrorIs(t, err, quota.ErrOrganizationNotFound)
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := execute(t, dbPath, "usage", "not-a-uuid")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid organization id")
	})
}

func TestPendingAndRelease(t *testing.T) {
	dbPath, s := migratedDB(t)
	org, err := s.CreateOrganization(context.Background(), "Acme", "user_owner")
	require.NoError(t, err)

	out, err := execute(t, dbPath, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending reservations")

	r := reserveTemplate(t, s, org.ID)

	out, err = execute(t, dbPath, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, r.ID.String())

	out, err = execute(t, dbPath, "release", r.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Released reservation "+r.ID.String())

	used, err := s.Snapshot(context.Background(), org.ID, domain.MetricTemplate, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used, "release refunds the unit")

	out, err = execute(t, dbPath, "release", r.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "already released")
}

func TestReleaseCommand_UnknownReservation(t *testing.T) {
	dbPath, _ := migratedDB(t)

	_, err := execute(t, dbPath, "release", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPendingCommand_RequiresSQLBackend(t *testing.T) {
	_, err := execute(t, "", "pending", "--counter-backend", "redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql counter backend")
}

func TestSweepCommand(t *testing.T) {
	dbPath, s := migratedDB(t)
	org, err := s.CreateOrganization(context.Background(), "Acme", "user_owner")
	require.NoError(t, err)

	r := reserveTemplate(t, s, org.ID)
	time.Sleep(10 * time.Millisecond)

	out, err := execute(t, dbPath, "sweep", "--older-than", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Expired 1 reservation(s)")

	got, err := s.GetReservation(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, got.Status)

	used, err := s.Snapshot(context.Background(), org.ID, domain.MetricTemplate, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used, "expired units stay consumed")
}

func TestTokenCommand(t *testing.T) {
	rootCmd := newRootCmd()
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"token", "user_123",
		"--secret", "quotactl-test-secret",
		"--issuer", "mailsmith",
		"--email", "ops@example.com",
		"--ttl", "5m",
	})
	require.NoError(t, rootCmd.Execute())

	principal, err := auth.NewTokenVerifier("quotactl-test-secret", "mailsmith").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "user_123", principal.UserID)
	assert.Equal(t, "ops@example.com", principal.Email)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")

	rootCmd := newRootCmd()
	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetArgs([]string{"token", "user_123"})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}
