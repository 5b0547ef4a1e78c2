package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/parklink-core/internal/catalog"
	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
	"github.com/nerrad567/parklink-core/internal/infrastructure/logging"
)

// withCatalog loads the configuration, opens the migrated catalog and
// runs fn against it.
func withCatalog(ctx context.Context, configPath string, fn func(repo *catalog.SQLiteRepository) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, repo, err := openCatalog(ctx, cfg.Database, logging.Nop())
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // Read-mostly admin command

	return fn(repo)
}

func newDeviceCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the device catalog",
	}
	cmd.AddCommand(newDeviceAddCommand(configPath))
	cmd.AddCommand(newDeviceListCommand(configPath))
	cmd.AddCommand(newDeviceStatusCommand(configPath, "open", catalog.OperationalOpen))
	cmd.AddCommand(newDeviceStatusCommand(configPath, "close", catalog.OperationalClosed))
	return cmd
}

func newDeviceAddCommand(configPath *string) *cobra.Command {
	var (
		ep   catalog.DeviceEndpoint
		kind string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a sensor or gate controller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ep.Kind = catalog.ProtocolKind(kind)
			return withCatalog(cmd.Context(), *configPath, func(repo *catalog.SQLiteRepository) error {
				if err := repo.CreateEndpoint(cmd.Context(), ep); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s %s at %s\n", ep.Kind, ep.ID, ep.Address())
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&ep.ID, "id", "", "endpoint ID (device index for sensors)")
	f.StringVar(&ep.Name, "name", "", "display name")
	f.StringVar(&kind, "kind", string(catalog.KindSensor), "protocol: sensor or gate")
	f.StringVar(&ep.Host, "host", "", "device IP or hostname")
	f.IntVar(&ep.Port, "port", 0, "device TCP port")
	f.IntVar(&ep.Credentials.DevNo, "dev-no", 0, "sensor device number")
	f.StringVar(&ep.Credentials.UserID, "user", "", "sensor login user")
	f.StringVar(&ep.Credentials.UserPW, "password", "", "sensor login password")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func newDeviceListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCatalog(cmd.Context(), *configPath, func(repo *catalog.SQLiteRepository) error {
				endpoints, err := repo.ListEndpoints(cmd.Context())
				if err != nil {
					return err
				}
				return printEndpoints(cmd.OutOrStdout(), endpoints)
			})
		},
	}
}

func printEndpoints(out io.Writer, endpoints []catalog.DeviceEndpoint) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tADDRESS\tSTATUS\tNAME")
	for _, ep := range endpoints {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ep.ID, ep.Kind, ep.Address(), ep.OperationalStatus, ep.Name)
	}
	return tw.Flush()
}

func newDeviceStatusCommand(configPath *string, verb string, st catalog.OperationalStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("Mark an endpoint %s", st),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), *configPath, func(repo *catalog.SQLiteRepository) error {
				if err := repo.SetOperationalStatus(cmd.Context(), args[0], st); err != nil {
					return fmt.Errorf("%s %s: %w", verb, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], st)
				return nil
			})
		},
	}
}

// newLaneCommand registers a gate sub-device (camera or barrier) behind a
// controller: its location string and its barrier state row.
func newLaneCommand(configPath *string) *cobra.Command {
	var (
		key      catalog.LocationKey
		location string
		barrier  bool
	)

	cmd := &cobra.Command{
		Use:   "lane",
		Short: "Register a gate lane device and its location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCatalog(cmd.Context(), *configPath, func(repo *catalog.SQLiteRepository) error {
				if err := repo.SetLocation(cmd.Context(), key, location); err != nil {
					return err
				}
				if barrier {
					if err := repo.ProvisionGate(cmd.Context(), key); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lane %s/%s:%d registered as %q\n",
					key.SiteIP, key.DeviceIP, key.DevicePort, location)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&key.SiteIP, "site", "", "gate controller IP")
	f.StringVar(&key.DeviceIP, "device-ip", "", "lane device IP reported by the controller")
	f.IntVar(&key.DevicePort, "device-port", 0, "lane device port reported by the controller")
	f.StringVar(&location, "location", "", "human-readable location")
	f.BoolVar(&barrier, "barrier", false, "track barrier state for this device")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("device-ip")
	_ = cmd.MarkFlagRequired("location")

	return cmd
}
