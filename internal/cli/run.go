package cli

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/machinae/agentfs/internal/config"
	"github.com/machinae/agentfs/internal/logging"
	"github.com/machinae/agentfs/internal/sandbox"
)

func newRunCmd() *cobra.Command {
	var (
		command       string
		server        string
		prefix        string
		strategy      string
		listenBase    uint16
		listenCount   uint16
		listenDevice  string
		connectDevice string
		portMap       string
		mode          string
		workspace     string
		allowDomains  []string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Launch a command with redirection applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if command != "" {
				if len(argv) != 0 {
					return fmt.Errorf("pass either --command or positional arguments, not both")
				}
				split, err := shlex.Split(command)
				if err != nil {
					return fmt.Errorf("parse --command: %w", err)
				}
				argv = split
			}
			if len(argv) == 0 {
				return fmt.Errorf("no command to run")
			}
			if !sandbox.ValidMode(mode) {
				return fmt.Errorf("unknown confinement mode %q", mode)
			}
			if mode != sandbox.ModeOff && workspace == "" {
				return fmt.Errorf("--workspace is required with confinement mode %q", mode)
			}

			env := os.Environ()
			if server != "" {
				env = setEnv(env, config.EnvEnabled, "1")
				env = setEnv(env, config.EnvServer, server)
			}
			if prefix != "" {
				env = setEnv(env, config.EnvPrefix, prefix)
			}
			if strategy != "" {
				env = setEnv(env, config.EnvStrategy, strategy)
			}
			if listenBase != 0 {
				env = setEnv(env, config.EnvListenBase, strconv.Itoa(int(listenBase)))
			}
			if listenCount != 0 {
				env = setEnv(env, config.EnvListenCount, strconv.Itoa(int(listenCount)))
			}
			if listenDevice != "" {
				env = setEnv(env, config.EnvListenDevice, listenDevice)
			}
			if connectDevice != "" {
				env = setEnv(env, config.EnvConnectDevice, connectDevice)
			}
			if portMap != "" {
				env = setEnv(env, config.EnvPortMapFile, portMap)
			}

			if len(allowDomains) > 0 {
				proxy, err := sandbox.StartDomainProxy(allowDomains)
				if err != nil {
					return err
				}
				defer proxy.Close()
				env = setEnv(env, "HTTP_PROXY", proxy.Addr())
				env = setEnv(env, "HTTPS_PROXY", proxy.Addr())
			}

			// Landlock restrictions survive exec, so confining this
			// process confines the child too.
			if err := sandbox.RestrictProcess(mode, workspace); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logging.Logger().Info("launching command", "argv", argv, "mode", mode, "server", server)
			child := exec.CommandContext(ctx, argv[0], argv[1:]...)
			child.Env = env
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			if err := child.Run(); err != nil {
				return fmt.Errorf("run %s: %w", argv[0], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&command, "command", "c", "", "Command line to run (split shell-style)")
	cmd.Flags().StringVar(&server, "server", "", "Filesystem service socket to redirect to")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Path prefix to redirect (default "+config.DefaultPrefix+")")
	cmd.Flags().StringVar(&strategy, "network-strategy", "", "Loopback socket strategy: fail, rewrite_device or rewrite_port")
	cmd.Flags().Uint16Var(&listenBase, "listen-base", 0, "First loopback port the command may bind")
	cmd.Flags().Uint16Var(&listenCount, "listen-count", 0, "Number of bindable loopback ports")
	cmd.Flags().StringVar(&listenDevice, "listen-device", "", "Loopback address substituted into binds")
	cmd.Flags().StringVar(&connectDevice, "connect-device", "", "Loopback address substituted into connects")
	cmd.Flags().StringVar(&portMap, "port-map", "", "Port mapping file for the rewrite_port strategy")
	cmd.Flags().StringVar(&mode, "mode", sandbox.ModeOff, "Confinement mode: off, standard or strict")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Directory the confined command may write")
	cmd.Flags().StringSliceVar(&allowDomains, "allow-domain", nil, "Domain the command may reach over HTTP(S); repeatable")
	return cmd
}

// setEnv replaces or appends one KEY=value entry.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
