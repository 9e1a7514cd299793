package hostcmd

import (
	"fmt"

	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/pkg/sdk/hosts"

	"github.com/spf13/cobra"
)

// Cmd returns the parent "vpsmesh host" command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage configured hosts",
	}

	cmd.AddCommand(listCmd())
	cmd.AddCommand(useCmd())
	cmd.AddCommand(removeCmd())
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List configured hosts",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := hosts.LoadDefault()
			if err != nil {
				return err
			}
			if len(cfg.Hosts) == 0 {
				fmt.Println(ui.InfoMsg("No hosts configured. Run `vpsmesh setup <ip>`."))
				return nil
			}
			fmt.Println(ui.Table([]string{"", "NAME", "ADDRESS", "USER", "PORT", "EGRESS"}, hostRows(cfg)))
			return nil
		},
	}
}

func hostRows(cfg *hosts.Config) [][]string {
	current, _, _ := cfg.Current()
	rows := make([][]string, 0, len(cfg.Hosts))
	for _, name := range cfg.Names() {
		h := cfg.Hosts[name]
		marker := ""
		if name == current {
			marker = "*"
		}
		user := h.User
		if user == "" {
			user = "root"
		}
		rows = append(rows, []string{marker, name, h.Address, user, fmt.Sprint(h.SSHPort()), h.Egress})
	}
	return rows
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Set the default host",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := hosts.LoadDefault()
			if err != nil {
				return err
			}
			if _, ok := cfg.Hosts[args[0]]; !ok {
				return fmt.Errorf("host %q is not configured", args[0])
			}
			cfg.CurrentHost = args[0]
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("now using %s", ui.Bold(args[0])))
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Forget a host without touching the server",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := hosts.LoadDefault()
			if err != nil {
				return err
			}
			if _, ok := cfg.Hosts[args[0]]; !ok {
				return fmt.Errorf("host %q is not configured", args[0])
			}
			cfg.Delete(args[0])
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("removed %s", ui.Bold(args[0])))
			return nil
		},
	}
}
