package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/audit"
	"github.com/EduardKakosyan/finsync/internal/debug"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
)

func newStatsCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store, schema and storage statistics",
		Args:  exactArgs(0, "stats does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				stats, err := rt.Orchestrator.GetStorageStats(ctx)
				if err != nil {
					return err
				}
				info, err := rt.Migrations.VersionInfo(ctx)
				if err != nil {
					return err
				}

				payload := map[string]any{
					"db_path":            rt.Store.Path(),
					"encrypted":          rt.Encrypted(),
					"data_version":       info.Version,
					"pending_migrations": info.PendingMigrations,
					"keys":               stats.Keys,
					"total_size":         stats.TotalSize,
					"compressed_keys":    stats.CompressedKeys,
					"backup_keys":        stats.BackupKeys,
					"record_counts":      stats.RecordCounts,
					"unreadable":         stats.Unreadable,
				}
				return render(deps, payload, func() error {
					if _, err := fmt.Fprintf(deps.out,
						"db=%s encrypted=%s version=%s pending=%d keys=%d size=%d compressed=%d backups=%d\n",
						rt.Store.Path(),
						boolToState(rt.Encrypted(), "yes", "no"),
						info.Version,
						len(info.PendingMigrations),
						stats.Keys,
						stats.TotalSize,
						stats.CompressedKeys,
						stats.BackupKeys,
					); err != nil {
						return err
					}
					kinds := make([]string, 0, len(stats.RecordCounts))
					for kind := range stats.RecordCounts {
						kinds = append(kinds, kind)
					}
					sort.Strings(kinds)
					for _, kind := range kinds {
						if _, err := fmt.Fprintf(deps.out, "  %s: %d\n", kind, stats.RecordCounts[kind]); err != nil {
							return err
						}
					}
					for _, key := range stats.Unreadable {
						if _, err := fmt.Fprintf(deps.out, "  unreadable: %s\n", key); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func printReport(deps commandDeps, report *orchestrator.IntegrityReport) error {
	if _, err := fmt.Fprintf(deps.out, "checked=%d issues=%d\n", report.KeysChecked, len(report.Issues)); err != nil {
		return err
	}
	for _, issue := range report.Issues {
		fixable := ""
		if issue.AutoFixable {
			fixable = " (auto-fixable)"
		}
		if _, err := fmt.Fprintf(deps.out, "  [%s] %s %s: %s%s\n", issue.Severity, issue.Type, issue.Entity, issue.Description, fixable); err != nil {
			return err
		}
	}
	return nil
}

func newCheckCommand(deps commandDeps) *cobra.Command {
	var bundlePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Scan stored data for corruption, duplicates and dangling references",
		Example: "  finsync check\n" +
			"  finsync check --bundle /tmp/finsync-diagnostics.json",
		Args: exactArgs(0, "check does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Orchestrator.CheckDataIntegrity(ctx)
				if err != nil {
					return err
				}
				orchestrator.SortIssues(report.Issues)
				if bundlePath != "" {
					if err := writeDiagnostics(ctx, deps, rt, report, bundlePath); err != nil {
						return err
					}
				}
				if err := render(deps, report, func() error { return printReport(deps, report) }); err != nil {
					return err
				}
				if !report.Healthy() {
					return asExitError(ExitCodeIntegrity, fmt.Errorf("%d integrity issue(s) found", len(report.Issues)))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "Also write a diagnostic bundle (metadata only) to this path")
	return cmd
}

func writeDiagnostics(ctx context.Context, deps commandDeps, rt *app.Runtime, report *orchestrator.IntegrityReport, path string) error {
	bundle := debug.NewBundle(time.Now())
	bundle.Build = map[string]any{
		"version":    deps.build.Version,
		"commit":     deps.build.Commit,
		"build_time": deps.build.BuildTime,
	}

	stats, statsErr := rt.Orchestrator.GetStorageStats(ctx)
	if statsErr == nil {
		bundle.Store = map[string]any{
			"encrypted":       rt.Encrypted(),
			"keys":            stats.Keys,
			"total_size":      stats.TotalSize,
			"compressed_keys": stats.CompressedKeys,
			"backup_keys":     stats.BackupKeys,
			"record_counts":   stats.RecordCounts,
		}
	}
	bundle.AddCheck("storage_stats", statsErr)

	var integrityErr error
	if !report.Healthy() {
		integrityErr = fmt.Errorf("%d issue(s): %v", len(report.Issues), orchestrator.IssueSummary(report.Issues))
	}
	bundle.AddCheck("data_integrity", integrityErr)

	migrationCheck, err := rt.Migrations.ValidateMigrationIntegrity(ctx)
	if err == nil && !migrationCheck.Valid {
		err = fmt.Errorf("stored=%s expected=%s", migrationCheck.StoredVersion, migrationCheck.ExpectedVersion)
	}
	bundle.AddCheck("data_version", err)

	chain, err := rt.Audit.Verify(ctx)
	if err == nil && !chain.Valid {
		err = fmt.Errorf("%s", chain.Error)
	}
	bundle.AddCheck("audit_chain", err)

	if err := debug.WriteBundle(path, bundle); err != nil {
		return err
	}
	rt.Logger().Info("diagnostic bundle written", "path", path, "healthy", bundle.Healthy())
	return nil
}

func newRepairCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Fix auto-fixable integrity issues",
		Long: "Duplicates keep the record with the latest createdAt. Records without identity move to a\n" +
			"quarantine key. Missing references are reported and left for manual review.",
		Args: exactArgs(0, "repair does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Orchestrator.CheckDataIntegrity(ctx)
				if err != nil {
					return err
				}
				repaired, err := rt.Orchestrator.RepairData(ctx, report)
				rt.RecordAudit(ctx, audit.ActionDataRepair, "store", "", err, repaired)
				if err != nil {
					return err
				}
				if err := render(deps, repaired, func() error {
					if _, err := fmt.Fprintf(deps.out, "fixed=%d failed=%d skipped=%d\n", repaired.Fixed, repaired.Failed, repaired.Skipped); err != nil {
						return err
					}
					for _, skip := range repaired.Skips {
						if _, err := fmt.Fprintf(deps.out, "  skipped %s %s: %s\n", skip.Issue.Type, skip.Issue.Entity, skip.Reason); err != nil {
							return err
						}
					}
					return nil
				}); err != nil {
					return err
				}
				if repaired.Failed > 0 {
					return asExitError(ExitCodeIntegrity, fmt.Errorf("repair failed for %d issue(s)", repaired.Failed))
				}
				return nil
			})
		},
	}
}

func newCleanupCommand(deps commandDeps) *cobra.Command {
	var opts orchestrator.CleanupOptions

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired, cache and temp entries and recompress large values",
		Example: "  finsync cleanup\n" +
			"  finsync cleanup --expired --temp",
		Args: exactArgs(0, "cleanup does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts == (orchestrator.CleanupOptions{}) {
				opts = orchestrator.AllCleanup()
			}
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				result, err := rt.Orchestrator.CleanupStorage(ctx, opts)
				rt.RecordAudit(ctx, audit.ActionDataCleanup, "store", "", err, result)
				if err != nil {
					return err
				}
				return render(deps, result, func() error {
					_, err := fmt.Fprintf(deps.out,
						"expired=%d cache=%d temp=%d recompressed=%d bytes=%d->%d\n",
						result.ExpiredRemoved,
						result.CacheRemoved,
						result.TempRemoved,
						result.Recompressed,
						result.BytesBefore,
						result.BytesAfter,
					)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&opts.RemoveExpired, "expired", false, "Remove expired entries")
	cmd.Flags().BoolVar(&opts.ClearCache, "cache", false, "Remove cache entries")
	cmd.Flags().BoolVar(&opts.ClearTemp, "temp", false, "Remove temp entries")
	cmd.Flags().BoolVar(&opts.Recompress, "recompress", false, "Recompress values above the threshold")
	return cmd
}

func newAuditCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the operation audit log",
	}
	cmd.AddCommand(newAuditListCommand(deps), newAuditVerifyCommand(deps))
	return cmd
}

func newAuditListCommand(deps commandDeps) *cobra.Command {
	var filter audit.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded operations",
		Args:  exactArgs(0, "audit list does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Audit.List(ctx, filter)
				if err != nil {
					return err
				}
				return render(deps, events, func() error {
					for _, event := range events {
						if _, err := fmt.Fprintf(deps.out, "%s %s %s %s %s\n",
							event.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
							event.Action, event.Result, event.TargetType, event.TargetID); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&filter.Action, "action", "", "Only this action")
	cmd.Flags().StringVar(&filter.TargetID, "target", "", "Only this target id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of events")
	return cmd
}

func newAuditVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Args:  exactArgs(0, "audit verify does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				result, err := rt.Audit.Verify(ctx)
				if err != nil {
					return err
				}
				if err := render(deps, result, func() error {
					_, err := fmt.Fprintf(deps.out, "valid=%t events=%d tip=%s %s\n", result.Valid, result.EventCount, result.ChainTip, result.Error)
					return err
				}); err != nil {
					return err
				}
				if !result.Valid {
					return asExitError(ExitCodeIntegrity, fmt.Errorf("audit chain invalid: %s", result.Error))
				}
				return nil
			})
		},
	}
}
