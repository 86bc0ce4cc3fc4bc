package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/audit"
	"github.com/EduardKakosyan/finsync/internal/collection"
	"github.com/EduardKakosyan/finsync/internal/domain"
)

func newRecordsCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and edit collection records",
		Example: "  finsync records add goals --data '{\"name\":\"Emergency fund\"}'\n" +
			"  finsync records list goals\n" +
			"  finsync records search transactions coffee --field description",
	}
	cmd.AddCommand(
		newRecordsListCommand(deps),
		newRecordsGetCommand(deps),
		newRecordsAddCommand(deps),
		newRecordsUpdateCommand(deps),
		newRecordsDeleteCommand(deps),
		newRecordsSearchCommand(deps),
		newRecordsClearCommand(deps),
		newRecordsStatsCommand(deps),
	)
	return cmd
}

func withCollection(cmd *cobra.Command, deps commandDeps, kindArg string, fn func(context.Context, *collection.Service) error) error {
	kind, err := domain.ParseKind(kindArg)
	if err != nil {
		return mapCommandError(err)
	}
	return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
		svc, err := rt.Collection(kind)
		if err != nil {
			return err
		}
		return fn(ctx, svc)
	})
}

func parseRecord(raw string) (domain.Record, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, usageErrorf("--data is required")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var rec domain.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, usageErrorf("--data must be a JSON object: %v", err)
	}
	if rec == nil {
		return nil, usageErrorf("--data must be a JSON object")
	}
	return rec, nil
}

func printRecords(deps commandDeps, records []domain.Record) error {
	if records == nil {
		records = []domain.Record{}
	}
	return render(deps, records, func() error {
		for _, rec := range records {
			line, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(deps.out, string(line)); err != nil {
				return err
			}
		}
		return nil
	})
}

func newRecordsListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list <kind>",
		Short: "List every record of a collection",
		Args:  exactArgs(1, "records list requires <kind>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				records, err := svc.GetAll(ctx)
				if err != nil {
					return err
				}
				return printRecords(deps, records)
			})
		},
	}
}

func newRecordsGetCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one record",
		Args:  exactArgs(2, "records get requires <kind> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				rec, err := svc.GetByID(ctx, args[1])
				if err != nil {
					return err
				}
				return printRecords(deps, []domain.Record{rec})
			})
		},
	}
}

func newRecordsAddCommand(deps commandDeps) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "add <kind>",
		Short: "Create a record; id and timestamps are assigned when missing",
		Args:  exactArgs(1, "records add requires <kind>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseRecord(data)
			if err != nil {
				return err
			}
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				created, err := svc.Create(ctx, rec)
				if err != nil {
					return err
				}
				return printRecords(deps, []domain.Record{created})
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Record as a JSON object")
	return cmd
}

func newRecordsUpdateCommand(deps commandDeps) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Merge fields into a record",
		Args:  exactArgs(2, "records update requires <kind> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseRecord(data)
			if err != nil {
				return err
			}
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				updated, err := svc.Update(ctx, args[1], patch)
				if err != nil {
					return err
				}
				return printRecords(deps, []domain.Record{updated})
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Fields to merge as a JSON object")
	return cmd
}

func newRecordsDeleteCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete one record",
		Args:  exactArgs(2, "records delete requires <kind> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				if err := svc.Delete(ctx, args[1]); err != nil {
					return err
				}
				return render(deps, map[string]any{"deleted": args[1]}, func() error {
					_, err := fmt.Fprintf(deps.out, "deleted: %s\n", args[1])
					return err
				})
			})
		},
	}
}

func newRecordsSearchCommand(deps commandDeps) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "search <kind> <query>",
		Short: "Case-insensitive substring search over string fields",
		Args:  exactArgs(2, "records search requires <kind> <query>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				records, err := svc.Search(ctx, args[1], fields...)
				if err != nil {
					return err
				}
				return printRecords(deps, records)
			})
		},
	}
	cmd.Flags().StringSliceVar(&fields, "field", nil, "Restrict the search to these fields")
	return cmd
}

func newRecordsClearCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <kind>",
		Short: "Remove every record of a collection",
		Args:  exactArgs(1, "records clear requires <kind>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return mapCommandError(err)
			}
			return withRuntime(cmd.Context(), deps, func(ctx context.Context, rt *app.Runtime) error {
				svc, err := rt.Collection(kind)
				if err != nil {
					return err
				}
				err = svc.Clear(ctx)
				rt.RecordAudit(ctx, audit.ActionDataClear, "collection", kind.Key(), err, nil)
				if err != nil {
					return err
				}
				return render(deps, map[string]any{"cleared": args[0]}, func() error {
					_, err := fmt.Fprintf(deps.out, "cleared: %s\n", args[0])
					return err
				})
			})
		},
	}
}

func newRecordsStatsCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <kind>",
		Short: "Show record count and date range",
		Args:  exactArgs(1, "records stats requires <kind>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, deps, args[0], func(ctx context.Context, svc *collection.Service) error {
				stats, err := svc.GetStats(ctx)
				if err != nil {
					return err
				}
				return render(deps, stats, func() error {
					_, err := fmt.Fprintf(deps.out, "kind=%s count=%d\n", stats.Kind, stats.Count)
					return err
				})
			})
		},
	}
}

func exactArgs(n int, msg string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s", msg)
		}
		return nil
	}
}
