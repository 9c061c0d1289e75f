package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/jobs"
	"github.com/sujun1972/stock-analysis-sub000/internal/storage/postgres"
)

var (
	migrationsPath string
	migrateSteps   int
	migrateNoRiver bool
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back the schema migrations of the version store.

Examples:
  # Apply every pending migration, including the job queue tables
  datavc migrate up

  # Roll back the last migration
  datavc migrate down --steps 1

  # Show the current schema version
  datavc migrate status`,
	}
	migrateCmd.PersistentFlags().StringVar(&migrationsPath, "path", postgres.DefaultMigrationsPath, "directory holding the migration files")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd)
		},
	}
	upCmd.Flags().BoolVar(&migrateNoRiver, "skip-river", false, "do not migrate the job queue tables")

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd)
		},
	}
	downCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd)
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, statusCmd)
	return migrateCmd
}

func migrateDatabaseURL() (string, error) {
	if memoryStore {
		return "", fmt.Errorf("migrations need a database; drop --memory")
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("config error: %w", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		return "", err
	}
	return cfg.Database.URL, nil
}

func runMigrateUp(cmd *cobra.Command) error {
	url, err := migrateDatabaseURL()
	if err != nil {
		return err
	}
	if err := postgres.MigrateUp(url, migrationsPath); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ schema migrations applied")

	if migrateNoRiver {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := jobs.MigrateRiver(ctx, a.pool); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ job queue migrations applied")
	return nil
}

func runMigrateDown(cmd *cobra.Command) error {
	if migrateSteps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}
	url, err := migrateDatabaseURL()
	if err != nil {
		return err
	}
	if err := postgres.MigrateDown(url, migrationsPath, migrateSteps); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ rolled back %d migration(s)\n", migrateSteps)
	return nil
}

func runMigrateStatus(cmd *cobra.Command) error {
	url, err := migrateDatabaseURL()
	if err != nil {
		return err
	}
	version, dirty, err := postgres.MigrationVersion(url, migrationsPath)
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, state)
	return nil
}
