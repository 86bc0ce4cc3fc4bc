package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/audit"
	"github.com/EduardKakosyan/finsync/internal/backup"
)

func newBackupCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect and restore in-store backups",
		Example: "  finsync backup create --name before-import\n" +
			"  finsync backup list\n" +
			"  finsync backup restore <id> --overwrite",
	}
	cmd.AddCommand(
		newBackupCreateCommand(deps),
		newBackupListCommand(deps),
		newBackupInfoCommand(deps),
		newBackupRestoreCommand(deps),
		newBackupDeleteCommand(deps),
		newBackupPruneCommand(deps),
	)
	return cmd
}

func newBackupCreateCommand(deps commandDeps) *cobra.Command {
	var opts backup.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the finance collections",
		Args:  exactArgs(0, "backup create does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				manifest, err := rt.Backups.CreateBackup(ctx, opts)
				targetID := ""
				if manifest != nil {
					targetID = manifest.ID
				}
				rt.RecordAudit(ctx, audit.ActionBackupCreate, "backup", targetID, err, map[string]any{"name": opts.Name, "keys": opts.Keys})
				if err != nil {
					return err
				}
				return render(deps, manifest, func() error {
					_, err := fmt.Fprintf(deps.out, "backup created: %s (%s, %d bytes)\n", manifest.ID, manifest.Name, manifest.Size)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "Backup name")
	cmd.Flags().StringSliceVar(&opts.Keys, "key", nil, "Only back up these keys")
	cmd.Flags().BoolVar(&opts.IncludeReceipts, "receipts", false, "Include receipts")
	cmd.Flags().BoolVar(&opts.IncludeInvestments, "investments", false, "Include investments")
	return cmd
}

func newBackupListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  exactArgs(0, "backup list does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				list, err := rt.Backups.ListBackups(ctx)
				if err != nil {
					return err
				}
				if list == nil {
					list = []backup.Manifest{}
				}
				return render(deps, list, func() error {
					for _, m := range list {
						if _, err := fmt.Fprintf(deps.out, "%s %s %s size=%d encrypted=%s\n",
							m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
							m.ID, m.Name, m.Size,
							boolToState(m.IsEncrypted, "yes", "no")); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newBackupInfoCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show a backup manifest",
		Args:  exactArgs(1, "backup info requires <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Backups.GetBackupInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return render(deps, m, func() error {
					if _, err := fmt.Fprintf(deps.out, "id=%s name=%s created=%s version=%s checksum=%s\n",
						m.ID, m.Name, m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), m.DataVersion, m.Integrity.Checksum); err != nil {
						return err
					}
					for _, key := range sortedCountKeys(m.RecordCounts) {
						if _, err := fmt.Fprintf(deps.out, "  %s: %d\n", key, m.RecordCounts[key]); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newBackupRestoreCommand(deps commandDeps) *cobra.Command {
	var opts backup.RestoreOptions
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore collections from a backup",
		Args:  exactArgs(1, "backup restore requires <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Backups.RestoreFromBackup(ctx, args[0], opts)
				restoreErr := err
				if restoreErr == nil && res != nil && !res.Success {
					restoreErr = fmt.Errorf("restore failed for keys: %s", strings.Join(res.FailedKeys, ","))
				}
				rt.RecordAudit(ctx, audit.ActionBackupRestore, "backup", args[0], restoreErr, res)
				if res != nil {
					if renderErr := render(deps, res, func() error {
						if _, err := fmt.Fprintf(deps.out, "success=%t restored=%s records=%d\n",
							res.Success, strings.Join(res.RestoredKeys, ","), res.RecordsRestored); err != nil {
							return err
						}
						for _, skipped := range res.SkippedKeys {
							if _, err := fmt.Fprintf(deps.out, "skipped %s: %s\n", skipped.Key, skipped.Reason); err != nil {
								return err
							}
						}
						if res.SafetyBackupID != "" {
							if _, err := fmt.Fprintf(deps.out, "safety backup: %s\n", res.SafetyBackupID); err != nil {
								return err
							}
						}
						if res.DataVersion != "" {
							if _, err := fmt.Fprintf(deps.out, "data version: %s (run migrate to upgrade)\n", res.DataVersion); err != nil {
								return err
							}
						}
						for _, warning := range res.Warnings {
							if _, err := fmt.Fprintf(deps.out, "warning: %s\n", warning); err != nil {
								return err
							}
						}
						return nil
					}); renderErr != nil && err == nil {
						return renderErr
					}
				}
				if err != nil {
					return err
				}
				if !res.Success {
					return asExitError(ExitCodeGeneric, fmt.Errorf("restore failed for keys: %s", strings.Join(res.FailedKeys, ",")))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Keys, "key", nil, "Only restore these keys")
	cmd.Flags().BoolVar(&opts.OverwriteExisting, "overwrite", false, "Replace existing data")
	cmd.Flags().BoolVar(&opts.CreateSafetyBackup, "safety-backup", true, "Back up current data first")
	cmd.Flags().BoolVar(&opts.SkipValidation, "skip-validation", false, "Skip checksum and count validation")
	return cmd
}

func newBackupDeleteCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup",
		Args:  exactArgs(1, "backup delete requires <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				err := rt.Backups.DeleteBackup(ctx, args[0])
				rt.RecordAudit(ctx, audit.ActionBackupDelete, "backup", args[0], err, nil)
				if err != nil {
					return err
				}
				return render(deps, map[string]any{"deleted": args[0]}, func() error {
					_, err := fmt.Fprintf(deps.out, "backup deleted: %s\n", args[0])
					return err
				})
			})
		},
	}
}

func newBackupPruneCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy",
		Args:  exactArgs(0, "backup prune does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				removed, err := rt.Backups.ApplyRetention(ctx)
				rt.RecordAudit(ctx, audit.ActionBackupPrune, "backup", "", err, map[string]any{"removed": removed})
				if removed == nil {
					removed = []string{}
				}
				if renderErr := render(deps, map[string]any{"removed": removed}, func() error {
					_, err := fmt.Fprintf(deps.out, "removed %d backup(s)\n", len(removed))
					return err
				}); renderErr != nil && err == nil {
					return renderErr
				}
				return err
			})
		},
	}
}

func sortedCountKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
