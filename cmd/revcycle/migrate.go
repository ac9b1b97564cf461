package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ehr/revcycle/internal/exitcode"
	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the embedded set")

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")

			rt, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			migrator := newMigrator(cmd, rt)
			var count int
			if to > 0 {
				count, err = migrator.UpTo(cmd.Context(), to)
			} else {
				count, err = migrator.Up(cmd.Context())
			}
			if err != nil {
				return withCode(exitcode.MigrationError, fmt.Errorf("migration failed: %w", err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			statuses, err := newMigrator(cmd, rt).Status(cmd.Context())
			if err != nil {
				return withCode(exitcode.MigrationError, fmt.Errorf("failed to get migration status: %w", err))
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func newMigrator(cmd *cobra.Command, rt *app) *db.Migrator {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return db.NewMigrator(rt.pool, dir)
	}
	return db.NewMigratorFS(rt.pool, migrations.FS)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
