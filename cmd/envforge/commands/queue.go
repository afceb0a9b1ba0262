package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envforge/envforge/pkg/engine"
)

func newStartCommand() *cobra.Command {
	var (
		requestFile  string
		retryAttempt int
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Send a start command to a compute instance",
		Long: `Push a StartEnvironment command onto the instance's input queue.

Request parameters are forwarded to the in-VM agent together with the
optional file share connection and the instance size. A failed push
prints InProgress with an incremented retry attempt; pass it back with
--retry-attempt, or use --wait to retry locally.`,
		Example: `  envforge start --request start.yaml
  envforge start --request start.yaml --retry-attempt 2
  envforge start --request start.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.StartRequest
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
				Bool("file_share", req.FileShare != nil).
				Int("retry_attempt", retryAttempt).
				Msg("Sending start")

			result, err := a.deliver(ctx, engine.OpStart, req.Identity, req.Location, retryAttempt, wait,
				func(ctx context.Context, attempt int) (engine.OperationResult, error) {
					return a.manager.Start(ctx, req, attempt)
				})
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "f", "-", "start request file (YAML or JSON, - for stdin)")
	cmd.Flags().IntVar(&retryAttempt, "retry-attempt", 0, "retry counter from the previous attempt")
	cmd.Flags().BoolVar(&wait, "wait", false, "retry until the command is delivered")

	return cmd
}

func newShutdownCommand() *cobra.Command {
	var (
		requestFile  string
		retryAttempt int
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Send a shutdown command to a compute instance",
		Long: `Push a ShutdownEnvironment command for one environment onto the
instance's input queue.`,
		Example: `  envforge shutdown --request shutdown.yaml
  envforge shutdown --request shutdown.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req engine.ShutdownRequest
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
				Str("environment_id", req.EnvironmentID).
				Int("retry_attempt", retryAttempt).
				Msg("Sending shutdown")

			result, err := a.deliver(ctx, engine.OpShutdown, req.Identity, req.Location, retryAttempt, wait,
				func(ctx context.Context, attempt int) (engine.OperationResult, error) {
					return a.manager.Shutdown(ctx, req, attempt)
				})
			return finish(cmd, result, err)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "f", "-", "shutdown request file (YAML or JSON, - for stdin)")
	cmd.Flags().IntVar(&retryAttempt, "retry-attempt", 0, "retry counter from the previous attempt")
	cmd.Flags().BoolVar(&wait, "wait", false, "retry until the command is delivered")

	return cmd
}
