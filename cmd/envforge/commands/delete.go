package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envforge/envforge/pkg/engine"
)

func newDeleteCommand() *cobra.Command {
	var (
		requestFile string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Begin tearing down a compute instance",
		Long: `Plan the teardown of a compute instance and start its first phase.

Resources are deleted in dependency order: the instance and its queue
first, then the NIC and OS disk, then the security group and virtual
network. Components marked preserve are kept. Each check-delete call
advances at most one phase.`,
		Example: `  # Begin a delete
  envforge delete --request delete.yaml > delete.json

  # Delete and wait for every phase
  envforge delete --request delete.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.DeleteRequest
			if err := readRequest(cmd, requestFile, &req); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if req.Identity.SubscriptionID == "" {
				req.Identity.SubscriptionID = a.cfg.Azure.SubscriptionID
			}

			log.Info().
				Str("resource_name", req.Identity.Name).
				Str("location", req.Location).
				Int("components", len(req.Components)).
				Bool("wait", wait).
				Msg("Beginning delete")

			start := time.Now()
			result, err := a.manager.BeginDelete(ctx, req)
			a.record(ctx, engine.OpBeginDelete, req.Identity, req.Location, result, err, time.Since(start))
			if err != nil || !wait {
				return finish(cmd, result, err)
			}

			result, err = a.drive(ctx, result, engine.OpCheckDeleteStatus, a.manager.CheckDeleteStatus)
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "f", "-", "delete request file (YAML or JSON, - for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until every phase finishes")

	return cmd
}

func newCheckDeleteCommand() *cobra.Command {
	var (
		tokenFile string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "check-delete",
		Short: "Advance a delete operation by one phase",
		Long: `Advance a delete token. Both phased tokens and the older flat
resource-map tokens are accepted.`,
		Example: `  envforge check-delete --token delete.json
  envforge check-delete --token delete.json --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, tokenFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().
				Str("resource_name", token.ResourceIdentity.Name).
				Int("version", token.Version).
				Int("retry_attempt", token.RetryAttempt).
				Msg("Checking delete")

			initial := engine.OperationResult{State: engine.StateInProgress, Token: token}
			if wait {
				result, err := a.drive(ctx, initial, engine.OpCheckDeleteStatus, a.manager.CheckDeleteStatus)
				return finish(cmd, result, err)
			}

			result, err := a.recorded(engine.OpCheckDeleteStatus, a.manager.CheckDeleteStatus)(ctx, *token)
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().StringVarP(&tokenFile, "token", "t", "-", "token or previous result file (- for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until every phase finishes")

	return cmd
}

func newPlanDeleteCommand() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "plan-delete",
		Short: "Show the deletion phases for a request",
		Long: `Build the deletion plan for a request without calling the cloud.

Shows which resources each phase deletes and which components are
preserved.`,
		Example: `  envforge plan-delete --request delete.yaml
  envforge plan-delete --request delete.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.DeleteRequest
			if err := readRequest(cmd, requestFile, &req); err != nil {
				return err
			}

			planner, err := engine.NewDeletionPlanner()
			if err != nil {
				return err
			}
			plan, err := planner.Build(req)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), plan)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tKIND\tNAME\tRESOURCE GROUP\tSTATE")
			for i, phase := range plan.Phases {
				if len(phase.Resources) == 0 {
					fmt.Fprintf(w, "%d\t-\t-\t-\t%s\n", i, phase.State)
					continue
				}
				for _, kind := range phase.Kinds() {
					rec := phase.Resources[kind]
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i, kind, rec.Identity.Name, rec.Identity.ResourceGroup, rec.State)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "f", "-", "delete request file (YAML or JSON, - for stdin)")

	return cmd
}
