package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/netlab/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stack in the foreground",
	Long: `Run the stack in the foreground.

The daemon will:
  1. Load the configuration file
  2. Initialize logging and write the PID file
  3. Open the link driver and announce the address with ARP
  4. Serve HTTP and metrics if enabled
  5. Stop on SIGTERM or SIGINT`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(cmd.Context()); err != nil {
			exitWithError("daemon failed", err)
		}
	},
}

func runDaemon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := daemon.New(configFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	return d.Run(ctx)
}
