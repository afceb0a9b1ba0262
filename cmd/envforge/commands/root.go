package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "envforge",
		Short: "envforge - development environment compute lifecycle",
		Long: `envforge provisions, starts and tears down the compute instance behind a
cloud development environment together with its network interface, security
group, virtual network, OS disk and input queue.

Long-running operations never block: begin commands print a continuation
token and check commands advance the operation one step per call. Pass
--wait to poll locally until the operation finishes.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newCheckCreateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCheckDeleteCommand())
	rootCmd.AddCommand(newPlanDeleteCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newShutdownCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newJournalCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
