package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/machinae/agentfs/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the merged redirection configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled = %v\n", cfg.Enabled)
			fmt.Fprintf(out, "server = %q\n", cfg.Server)
			fmt.Fprintf(out, "prefix = %q\n", cfg.Prefix)
			fmt.Fprintf(out, "redirecting = %v\n", cfg.Redirecting())
			fmt.Fprintf(out, "network.strategy = %q\n", cfg.Network.Strategy)
			fmt.Fprintf(out, "network.listen_base = %d\n", cfg.Network.ListenBase)
			fmt.Fprintf(out, "network.listen_count = %d\n", cfg.Network.ListenCount)
			fmt.Fprintf(out, "network.listen_device = %q\n", cfg.Network.ListenDevice)
			fmt.Fprintf(out, "network.connect_device = %q\n", cfg.Network.ConnectDevice)
			fmt.Fprintf(out, "network.port_map_file = %q\n", cfg.Network.PortMapFile)
			return nil
		},
	}
}
