package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/DukeRupert/mailsmith/internal"
	"github.com/DukeRupert/mailsmith/internal/auth"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			logger := opts.logger(cmd.ErrOrStderr())
			if err := internal.RunMigrations(cmd.Context(), b.db, opts.databaseDriver, logger); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func newPlansCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := opts.catalog()
			if err != nil {
				return fmt.Errorf("plan catalog: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAN\tTEMPLATES\tIMAGES\tPREMIUM\tPRIORITY")
			for _, p := range catalog.Plans() {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%t\n",
					p.Plan, p.TemplatesLimit, p.ImagesLimit, p.HasPremiumImageModel, p.HasPriorityQueue)
			}
			return tw.Flush()
		},
	}
}

func newUsageCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage <organization-id>",
		Short: "Show an organization's usage for the current period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid organization id %q", args[0])
			}

			catalog, err := opts.catalog()
			if err != nil {
				return fmt.Errorf("plan catalog: %w", err)
			}
			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			logger := opts.logger(cmd.ErrOrStderr())
			presenter := quota.NewPresenter(quota.NewEvaluator(b.store, b.counter, catalog, logger))

			view, err := presenter.Present(cmd.Context(), orgID)
			if err != nil {
				return fmt.Errorf("usage: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return printUsage(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the usage view as JSON")
	return cmd
}

func printUsage(w io.Writer, view *quota.UsageView) error {
	fmt.Fprintf(w, "Organization: %s\n", view.OrganizationID)
	fmt.Fprintf(w, "Plan:         %s (%s)\n", view.PlanName, view.Plan)
	fmt.Fprintf(w, "Period:       %s\n", view.PeriodKey)
	fmt.Fprintf(w, "Trial:        %s", view.Trial.Status)
	if view.Trial.ExpiresAt != nil {
		fmt.Fprintf(w, ", expires %s (%d days left)", view.Trial.ExpiresAt.Format(time.DateOnly), view.Trial.DaysRemaining)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tUSED\tLIMIT\tREMAINING\tPERCENT\tALLOWED\tREASON")
	for _, m := range view.Metrics {
		reason := string(m.Reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.0f%%\t%t\t%s\n",
			m.Metric, m.Used, m.Limit, m.Remaining, m.Percentage, m.Allowed, reason)
	}
	return tw.Flush()
}

func newPendingCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List reservations that are still held",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.counterBackend != "sql" {
				return fmt.Errorf("pending is only available with the sql counter backend")
			}
			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			pending, err := b.store.ListPendingReservations(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list pending reservations: %w", err)
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending reservations")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RESERVATION\tORGANIZATION\tMETRIC\tPERIOD\tAGE")
			now := time.Now()
			for _, r := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.OrganizationID, r.Metric, r.PeriodKey, now.Sub(r.CreatedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of reservations to list")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	olderThan := 15 * time.Minute
	if d, err := time.ParseDuration(os.Getenv("RESERVATION_STALE_AFTER")); err == nil {
		olderThan = d
	}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire reservations held longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			sweeper := worker.NewSweeper(b.sweeper, olderThan, opts.logger(cmd.ErrOrStderr()))
			n, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d reservation(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", olderThan, "expire reservations created before now minus this duration")
	return cmd
}

func newReleaseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "release <reservation-id>",
		Short: "Refund a reservation that is still held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid reservation id %q", args[0])
			}

			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			r, err := b.reservations.GetReservation(cmd.Context(), id)
			if errors.Is(err, quota.ErrReservationNotFound) {
				return fmt.Errorf("reservation %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("get reservation: %w", err)
			}
			if r.Status.IsTerminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "Reservation %s is already %s\n", id, r.Status)
				return nil
			}

			if err := b.counter.Release(cmd.Context(), id); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released reservation %s (%s, %s)\n", id, r.Metric, r.PeriodKey)
			return nil
		},
	}
}

// newTokenCmd issues a bearer token for local testing against the API.
func newTokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		email  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token signed with the API secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or AUTH_JWT_SECRET is required")
			}
			token, err := auth.NewTokenVerifier(secret, issuer).Issue(args[0], email, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("AUTH_JWT_ISSUER"), "token issuer")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
