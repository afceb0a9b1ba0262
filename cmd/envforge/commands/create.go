package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envforge/envforge/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		requestFile string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Begin provisioning a compute instance",
		Long: `Begin provisioning a compute instance and its dependent resources.

This command:
  - Validates the request and runs admission policies
  - Creates the instance's input queue
  - Submits the OS specific deployment template
  - Prints the continuation token for check-create`,
		Example: `  # Begin a Linux create and print the token
  envforge create --request linux.yaml > create.json

  # Create and poll until the deployment finishes
  envforge create --request linux.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.CreateRequest
			if err := readRequest(cmd, requestFile, &req); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if req.SubscriptionID == "" {
				req.SubscriptionID = a.cfg.Azure.SubscriptionID
			}

			log.Info().
				Str("os", string(req.OS)).
				Str("resource_group", req.ResourceGroup).
				Str("location", req.Location).
				Bool("wait", wait).
				Msg("Beginning create")

			start := time.Now()
			result, err := a.manager.BeginCreate(ctx, req)
			id := engine.ResourceIdentity{SubscriptionID: req.SubscriptionID, ResourceGroup: req.ResourceGroup}
			if result.Token != nil {
				id = result.Token.ResourceIdentity
			}
			a.record(ctx, engine.OpBeginCreate, id, req.Location, result, err, time.Since(start))
			if err != nil || !wait {
				return finish(cmd, result, err)
			}

			result, err = a.drive(ctx, result, engine.OpCheckCreateStatus, a.manager.CheckCreateStatus)
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "f", "-", "create request file (YAML or JSON, - for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the operation finishes")

	return cmd
}

func newCheckCreateCommand() *cobra.Command {
	var (
		tokenFile string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "check-create",
		Short: "Advance a create operation",
		Long: `Check the deployment behind a create token once.

Prints InProgress with a new token, Succeeded, or Failed with a summary
of the deployment errors. A failed deployment is retried by the caller
until the token's retry budget is spent.`,
		Example: `  # One poll
  envforge check-create --token create.json

  # Pipe the previous result and poll to completion
  envforge create -f linux.yaml | envforge check-create --wait`,
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
				Int("retry_attempt", token.RetryAttempt).
				Msg("Checking create")

			initial := engine.OperationResult{State: engine.StateInProgress, Token: token}
			if wait {
				result, err := a.drive(ctx, initial, engine.OpCheckCreateStatus, a.manager.CheckCreateStatus)
				return finish(cmd, result, err)
			}

			result, err := a.recorded(engine.OpCheckCreateStatus, a.manager.CheckCreateStatus)(ctx, *token)
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().StringVarP(&tokenFile, "token", "t", "-", "token or previous result file (- for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the operation finishes")

	return cmd
}
