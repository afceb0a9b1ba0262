package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envforge/envforge/pkg/engine"
	"github.com/envforge/envforge/pkg/stores"
)

// checkOperation maps a journaled operation to the check that continues it.
func checkOperation(operation string) (string, error) {
	switch operation {
	case engine.OpBeginCreate, engine.OpCheckCreateStatus:
		return engine.OpCheckCreateStatus, nil
	case engine.OpBeginDelete, engine.OpCheckDeleteStatus:
		return engine.OpCheckDeleteStatus, nil
	default:
		return "", fmt.Errorf("operation %s cannot be resumed", operation)
	}
}

func newResumeCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "resume <instance-name>",
		Short: "Continue the last unfinished operation of an instance",
		Long: `Look up the last recorded token for a compute instance in the journal
and poll its create or delete operation until it finishes.`,
		Example: `  envforge resume 0d6f7c8e-2a51-4a5e-9d8b-0d1a4c1b9e33
  envforge resume WIN7K2P9Q4M1XZA --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.journal == nil {
				return fmt.Errorf("resume needs the operation journal (store.enabled=true)")
			}

			rec, err := a.journal.LatestResumable(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no unfinished operation recorded for %s", args[0])
			}
			if err != nil {
				return err
			}

			token, err := rec.ContinuationToken()
			if err != nil {
				return err
			}
			operation, err := checkOperation(rec.Operation)
			if err != nil {
				return err
			}

			check := a.manager.CheckCreateStatus
			if operation == engine.OpCheckDeleteStatus {
				check = a.manager.CheckDeleteStatus
			}

			log.Info().
				Str("resource_name", args[0]).
				Str("operation", operation).
				Str("recorded_at", rec.RecordedAt.String()).
				Msg("Resuming operation")

			if once {
				result, err := a.recorded(operation, check)(ctx, *token)
				return finish(cmd, result, err)
			}

			initial := engine.OperationResult{State: engine.StateInProgress, Token: token}
			result, err := a.drive(ctx, initial, operation, check)
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "advance a single step instead of polling to completion")

	return cmd
}
