package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/audit"
	"github.com/EduardKakosyan/finsync/internal/migration"
)

var errMigrationFailed = errors.New("migration failed")

func newMigrateCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and run data migrations",
		Example: "  finsync migrate status\n" +
			"  finsync migrate run --dry-run\n" +
			"  finsync migrate rollback 1.1.0",
	}
	cmd.AddCommand(
		newMigrateStatusCommand(deps),
		newMigrateRunCommand(deps),
		newMigrateRollbackCommand(deps),
		newMigrateVerifyCommand(deps),
		newMigrateHistoryCommand(deps),
	)
	return cmd
}

func newMigrateStatusCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored data version and pending migrations",
		Args:  exactArgs(0, "migrate status does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				info, err := rt.Migrations.VersionInfo(ctx)
				if err != nil {
					return err
				}
				return render(deps, info, func() error {
					pending := "none"
					if len(info.PendingMigrations) > 0 {
						pending = strings.Join(info.PendingMigrations, ",")
					}
					_, err := fmt.Fprintf(deps.out, "version=%s latest=%s pending=%s\n",
						info.Version, rt.Migrations.Registry().Latest(), pending)
					return err
				})
			})
		},
	}
}

func newMigrateRunCommand(deps commandDeps) *cobra.Command {
	var (
		dryRun         bool
		noBackup       bool
		skipValidation bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply every pending migration",
		Args:  exactArgs(0, "migrate run does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Migrations.Migrate(ctx, migration.Options{
					DryRun:         dryRun,
					CreateBackup:   rt.Config.Migration.BackupBeforeRun && !noBackup,
					SkipValidation: skipValidation,
				})
				if !dryRun {
					rt.RecordAudit(ctx, audit.ActionMigrationRun, "data_version", resultTarget(res), migrationOutcome(res, err), res)
				}
				if err != nil {
					return err
				}
				return printMigrationResult(deps, res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run every step without writing")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the pre-migration backup")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Skip per-step validation")
	return cmd
}

func newMigrateRollbackCommand(deps commandDeps) *cobra.Command {
	var (
		dryRun   bool
		noBackup bool
	)
	cmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Roll data back to an older registered version",
		Args:  exactArgs(1, "migrate rollback requires <version>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Migrations.Rollback(ctx, args[0], migration.Options{
					DryRun:       dryRun,
					CreateBackup: rt.Config.Migration.BackupBeforeRun && !noBackup,
				})
				if !dryRun {
					rt.RecordAudit(ctx, audit.ActionMigrationRollback, "data_version", args[0], migrationOutcome(res, err), res)
				}
				if err != nil {
					return err
				}
				return printMigrationResult(deps, res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run every step without writing")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the pre-rollback backup")
	return cmd
}

func resultTarget(res *migration.Result) string {
	if res == nil {
		return ""
	}
	return res.ToVersion
}

func migrationOutcome(res *migration.Result, err error) error {
	if err != nil {
		return err
	}
	if res != nil && !res.Success {
		return errMigrationFailed
	}
	return nil
}

func printMigrationResult(deps commandDeps, res *migration.Result) error {
	if err := render(deps, res, func() error {
		applied := "none"
		if len(res.Applied) > 0 {
			applied = strings.Join(res.Applied, ",")
		}
		if _, err := fmt.Fprintf(deps.out, "success=%t dry_run=%t from=%s to=%s applied=%s\n",
			res.Success, res.DryRun, res.FromVersion, res.ToVersion, applied); err != nil {
			return err
		}
		if res.BackupID != "" {
			if _, err := fmt.Fprintf(deps.out, "backup: %s\n", res.BackupID); err != nil {
				return err
			}
		}
		for _, msg := range res.Errors {
			if _, err := fmt.Fprintf(deps.out, "error: %s\n", msg); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if !res.Success {
		return asExitError(ExitCodeGeneric, fmt.Errorf("%w: %s", errMigrationFailed, strings.Join(res.Failed, ",")))
	}
	return nil
}

func newMigrateVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check data integrity against the expected data version",
		Args:  exactArgs(0, "migrate verify does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				check, err := rt.Migrations.ValidateMigrationIntegrity(ctx)
				if err != nil {
					return err
				}
				if err := render(deps, check, func() error {
					if _, err := fmt.Fprintf(deps.out, "valid=%t stored=%s expected=%s\n",
						check.Valid, check.StoredVersion, check.ExpectedVersion); err != nil {
						return err
					}
					for _, warning := range check.Warnings {
						if _, err := fmt.Fprintf(deps.out, "warning: %s\n", warning); err != nil {
							return err
						}
					}
					return nil
				}); err != nil {
					return err
				}
				if !check.Valid {
					return asExitError(ExitCodeIntegrity, fmt.Errorf("%d integrity issue(s) found", len(check.Report.Issues)))
				}
				return nil
			})
		},
	}
}

func newMigrateHistoryCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent migration runs",
		Args:  exactArgs(0, "migrate history does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				runs, err := rt.Migrations.History(ctx)
				if err != nil {
					return err
				}
				if runs == nil {
					runs = []migration.Run{}
				}
				return render(deps, runs, func() error {
					for _, run := range runs {
						if _, err := fmt.Fprintf(deps.out, "%s %s %s %s->%s %s\n",
							run.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
							run.ID, run.Direction, run.FromVersion, run.ToVersion, run.Status); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}
