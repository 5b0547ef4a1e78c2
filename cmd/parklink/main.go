// parklink is the device-connection core of a parking facility.
//
// It keeps TCP connections to parking-space sensors and parking-fee gate
// controllers, decodes their frames, tracks connectivity in the device
// catalog and fans status changes and device events out over MQTT and
// WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the parklink command tree. The root command runs
// the daemon; subcommands administer the device catalog.
func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "parklink",
		Short:         "Parking sensor and gate controller connection core",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"path to the YAML configuration file (env PARKLINK_CONFIG)")

	cmd.AddCommand(newDeviceCommand(&configPath))
	cmd.AddCommand(newLaneCommand(&configPath))

	return cmd
}

// getConfigPath returns the configuration file path.
// Uses PARKLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PARKLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
