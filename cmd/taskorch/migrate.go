package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roasbeef/taskorch"
	"github.com/spf13/cobra"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and change the database schema version",
		Long: `Apply, roll back or inspect schema migrations.

Every apply takes a backup of the database first. If any step fails, the
backup is restored and the schema stays at its previous version.

Examples:
  taskorch migrate status
  taskorch migrate apply --dry-run
  taskorch migrate apply
  taskorch migrate rollback`,
	}

	cmd.AddCommand(a.migrateApplyCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Reverse the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMigrations(cmd, func(ctx context.Context,
				m *taskorch.MigrationManager) error {

				version, err := m.Rollback(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back migration %d\n",
					version)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMigrations(cmd, func(ctx context.Context,
				m *taskorch.MigrationManager) error {

				status, err := m.Status(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				return a.print(out, status, func() {
					printMigrationStatus(out, status)
				})
			})
		},
	})

	return cmd
}

// plannedMigration is the JSON shape of one dry-run entry.
type plannedMigration struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	Up          string `json:"up"`
}

func (a *app) migrateApplyCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMigrations(cmd, func(ctx context.Context,
				m *taskorch.MigrationManager) error {

				out := cmd.OutOrStdout()
				if dryRun {
					pending, err := m.DryRun(ctx)
					if err != nil {
						return err
					}
					plan := make([]plannedMigration, 0, len(pending))
					for _, mig := range pending {
						plan = append(plan, plannedMigration{
							Version:     mig.Version,
							Description: mig.Description,
							Up:          mig.Up,
						})
					}
					return a.print(out, plan, func() {
						printPlan(out, plan)
					})
				}

				applied, err := m.Apply(ctx)
				if err != nil {
					return err
				}
				return a.print(out, applied, func() {
					if len(applied) == 0 {
						fmt.Fprintln(out, "Schema is up to date")
						return
					}
					for _, v := range applied {
						fmt.Fprintf(out, "Applied migration %d\n", v)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"list pending migrations and their statements without applying")

	return cmd
}

func printPlan(w io.Writer, plan []plannedMigration) {
	if len(plan) == 0 {
		fmt.Fprintln(w, "Schema is up to date")
		return
	}
	for _, p := range plan {
		fmt.Fprintf(w, "-- %03d %s\n%s\n\n", p.Version, p.Description,
			strings.TrimSpace(p.Up))
	}
}

// withMigrations opens the store without the version check that Open
// enforces, so an outdated or rolled-back database can still be managed.
func (a *app) withMigrations(cmd *cobra.Command,
	fn func(ctx context.Context, m *taskorch.MigrationManager) error) error {

	cfg, err := a.config()
	if err != nil {
		return err
	}

	logger := taskorch.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level)
	ctx := cmd.Context()

	store, err := taskorch.OpenForMigration(ctx, cfg,
		taskorch.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store.Migrations())
}

func printMigrationStatus(w io.Writer, status *taskorch.MigrationStatus) {
	fmt.Fprintf(w, "Current version: %d (latest %d)\n", status.Current,
		status.Latest)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	for _, m := range status.Applied {
		fmt.Fprintf(tw, "  %03d\tapplied\t%s\t%s\n", m.Version,
			m.AppliedAt.Local().Format(time.DateTime), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "  %03d\tpending\t\t%s\n", m.Version,
			m.Description)
	}
}
