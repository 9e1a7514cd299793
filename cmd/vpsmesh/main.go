package main

import (
	"fmt"
	"os"

	hostcmd "vpsmesh/cmd/vpsmesh/host"
	peercmd "vpsmesh/cmd/vpsmesh/peer"
	tunnelcmd "vpsmesh/cmd/vpsmesh/tunnel"
	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("error: %v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		debug         bool
		noInteraction bool
	)

	root := &cobra.Command{
		Use:           "vpsmesh",
		Short:         "Provision a WireGuard mesh server on a VPS over SSH",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			ui.ConfigureInteraction(noInteraction)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Never prompt and print plain progress lines")

	root.AddCommand(setupCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(destroyCmd())
	root.AddCommand(hardenCmd())
	root.AddCommand(peercmd.Cmd())
	root.AddCommand(hostcmd.Cmd())
	root.AddCommand(tunnelcmd.Cmd())
	return root
}
