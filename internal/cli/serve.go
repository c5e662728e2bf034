package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/machinae/agentfs/internal/engine"
	"github.com/machinae/agentfs/internal/logging"
	"github.com/machinae/agentfs/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		socket     string
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the filesystem service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := engine.DefaultConfig()
			if configFile != "" {
				loaded, err := engine.LoadConfig(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			srv := service.New(engine.NewMemFS(cfg))
			if err := srv.Listen(socket); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- srv.Serve() }()

			select {
			case err := <-done:
				srv.Close()
				return err
			case <-ctx.Done():
			}
			if err := srv.Close(); err != nil {
				return err
			}
			if err := <-done; err != nil {
				return err
			}
			logging.Logger().Info("filesystem service stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "/tmp/agentfs.sock", "Unix socket to listen on")
	cmd.Flags().StringVar(&configFile, "config", "", "Engine configuration file (JSON)")
	return cmd
}
