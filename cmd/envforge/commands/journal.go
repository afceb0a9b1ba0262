package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envforge/envforge/pkg/engine"
	"github.com/envforge/envforge/pkg/stores"
)

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the operation journal",
		Long: `Inspect the local operation journal.

Every create, delete, start and shutdown call is recorded with the token
it returned, together with the lifecycle events and an audit trail.`,
	}

	cmd.AddCommand(newJournalOperationsCommand())
	cmd.AddCommand(newJournalEventsCommand())
	cmd.AddCommand(newJournalAuditCommand())
	cmd.AddCommand(newJournalPruneCommand())

	return cmd
}

// withJournal opens the configured journal for the duration of fn.
func withJournal(ctx context.Context, fn func(journal stores.Journal, actor string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	journal, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("journal_close_failed")
		}
	}()
	return fn(journal, cfg.Store.Actor)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func newJournalOperationsCommand() *cobra.Command {
	var (
		resource  string
		operation string
		state     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List recorded operations",
		Example: `  envforge journal operations
  envforge journal operations --resource 0d6f7c8e-2a51-4a5e-9d8b-0d1a4c1b9e33
  envforge journal operations --operation begin_delete --state Failed --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.OperationFilter{
				ResourceName: optional(resource),
				Operation:    optional(operation),
			}
			if state != "" {
				s := engine.OperationState(state)
				if err := s.Validate(); err != nil {
					return err
				}
				filter.State = &s
			}

			return withJournal(cmd.Context(), func(journal stores.Journal, _ string) error {
				ops, err := journal.ListOperations(cmd.Context(), filter, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), ops)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RECORDED\tOPERATION\tRESOURCE\tSTATE\tRETRY\tDURATION\tERROR")
				for _, op := range ops {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						op.RecordedAt.Local().Format(time.DateTime),
						op.Operation,
						op.ResourceName,
						stateLabel(op.State),
						op.RetryAttempt,
						time.Duration(op.DurationMillis)*time.Millisecond,
						deref(op.Error),
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&resource, "resource", "", "filter by compute instance name")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation (begin_create, check_delete_status, ...)")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of rows")

	return cmd
}

func newJournalEventsCommand() *cobra.Command {
	var (
		resource  string
		operation string
		level     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded lifecycle events",
		Example: `  envforge journal events --resource 0d6f7c8e-2a51-4a5e-9d8b-0d1a4c1b9e33
  envforge journal events --level error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.EventFilter{
				Resource:  optional(resource),
				Operation: optional(operation),
				Level:     optional(level),
			}

			return withJournal(cmd.Context(), func(journal stores.Journal, _ string) error {
				events, err := journal.GetEvents(cmd.Context(), filter, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), events)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTYPE\tOPERATION\tRESOURCE\tKIND\tLEVEL\tMESSAGE")
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						ev.Timestamp.Local().Format(time.DateTime),
						ev.Type,
						ev.Operation,
						deref(ev.Resource),
						deref(ev.Kind),
						ev.Level,
						ev.Message,
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&resource, "resource", "", "filter by resource")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation")
	cmd.Flags().StringVar(&level, "level", "", "filter by level")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of rows")

	return cmd
}

func newJournalAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(journal stores.Journal, _ string) error {
				entries, err := journal.ListAuditEntries(cmd.Context(), optional(action), optional(actor), limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), entries)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						e.Timestamp.Local().Format(time.DateTime),
						e.Action,
						e.Actor,
						deref(e.TargetID),
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of rows")

	return cmd
}

func newJournalPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old lifecycle events",
		Long: `Delete lifecycle events older than the given age. Operations and the
audit trail are kept.`,
		Example: `  envforge journal prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			return withJournal(cmd.Context(), func(journal stores.Journal, actor string) error {
				before := time.Now().Add(-olderThan)
				removed, err := journal.PruneEvents(cmd.Context(), before)
				if err != nil {
					return err
				}

				details, _ := json.Marshal(map[string]interface{}{
					"before":  before.UTC(),
					"removed": removed,
				})
				detailStr := string(details)
				if err := journal.CreateAuditEntry(cmd.Context(), &stores.AuditEntry{
					Action:  "journal.pruned",
					Actor:   actor,
					Details: &detailStr,
				}); err != nil {
					return err
				}

				log.Info().
					Int64("removed", removed).
					Time("before", before).
					Msg("Pruned journal events")

				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d events\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of events to delete")

	return cmd
}
