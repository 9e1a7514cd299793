package tunnelcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"vpsmesh/cmd/vpsmesh/cmdutil"
	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/mesh"
	"vpsmesh/internal/status"
	"vpsmesh/pkg/sdk/defaults"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Cmd returns the parent "vpsmesh tunnel" command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Run client tunnels issued by setup on this machine",
	}

	cmd.AddCommand(listCmd())
	cmd.AddCommand(upCmd())
	cmd.AddCommand(downCmd())
	return cmd
}

// tunnelView joins local tunnel records with the running interfaces.
type tunnelView struct {
	tunnels []mesh.Tunnel
	oracle  status.Oracle
	tracker *status.Tracker
}

// active returns the endpoint whose tunnel is running, if any.
func (v tunnelView) active() (string, bool) {
	names := make([]string, len(v.tunnels))
	for i, t := range v.tunnels {
		names[i] = defaults.InterfaceName(t.Endpoint)
	}
	iface, ok := v.tracker.Sync(v.oracle, names)
	if !ok {
		return "", false
	}
	for _, t := range v.tunnels {
		if defaults.InterfaceName(t.Endpoint) == iface {
			return t.Endpoint, true
		}
	}
	return "", false
}

func (v tunnelView) rows(now time.Time) [][]string {
	active, _ := v.active()
	rows := make([][]string, 0, len(v.tunnels))
	for _, t := range v.tunnels {
		state := "down"
		if t.Endpoint == active {
			state = "up"
		}
		rows = append(rows, []string{
			t.Endpoint,
			t.ClientAddress.String(),
			defaults.InterfaceName(t.Endpoint),
			ui.State(state),
			humanize.RelTime(t.UpdatedAt, now, "ago", "from now"),
		})
	}
	return rows
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List tunnels and whether they are running",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			tunnels, err := s.Tunnels.ListTunnels()
			if err != nil {
				return err
			}
			if len(tunnels) == 0 {
				fmt.Println(ui.InfoMsg("No tunnels. Run `vpsmesh setup <ip>` first."))
				return nil
			}
			view := tunnelView{tunnels: tunnels, oracle: status.NewWGOracle(), tracker: &status.Tracker{}}
			fmt.Println(ui.Table([]string{"ENDPOINT", "CLIENT IP", "INTERFACE", "STATE", "UPDATED"}, view.rows(time.Now())))
			return nil
		},
	}
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up <endpoint>",
		Short: "Bring up the tunnel to an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			t, ok, err := s.Tunnels.GetTunnel(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no tunnel for %s; run `vpsmesh setup %s` first", args[0], args[0])
			}
			tunnels, err := s.Tunnels.ListTunnels()
			if err != nil {
				return err
			}
			local := &status.Local{Dir: defaults.RunDir(s.DataRoot), Run: cmdutil.RunSudo, Tracker: &status.Tracker{}}
			iface, err := bringUp(cmd.Context(), local, tunnelView{tunnels: tunnels, oracle: status.NewWGOracle(), tracker: local.Tracker}, t)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("tunnel to %s is up on %s", ui.Bold(t.Endpoint), ui.Accent(iface)))
			return nil
		},
	}
}

// bringUp starts t, first stopping whichever other tunnel is running.
func bringUp(ctx context.Context, local *status.Local, view tunnelView, t mesh.Tunnel) (string, error) {
	if t.ConfigPath == "" {
		return "", fmt.Errorf("tunnel %s has no exported client config", t.Endpoint)
	}
	config, err := os.ReadFile(t.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("read client config: %w", err)
	}
	if active, ok := view.active(); ok {
		if active == t.Endpoint {
			return defaults.InterfaceName(t.Endpoint), nil
		}
		if err := local.Down(ctx, active); err != nil {
			return "", fmt.Errorf("stop tunnel to %s: %w", active, err)
		}
	}
	return local.Up(ctx, t.Endpoint, config)
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down [endpoint]",
		Short: "Stop the running tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			endpoint := ""
			if len(args) == 1 {
				endpoint = args[0]
			} else {
				tunnels, err := s.Tunnels.ListTunnels()
				if err != nil {
					return err
				}
				view := tunnelView{tunnels: tunnels, oracle: status.NewWGOracle(), tracker: &status.Tracker{}}
				active, ok := view.active()
				if !ok {
					fmt.Println(ui.InfoMsg("No tunnel is running."))
					return nil
				}
				endpoint = active
			}

			local := &status.Local{Dir: defaults.RunDir(s.DataRoot), Run: cmdutil.RunSudo}
			if err := local.Down(cmd.Context(), endpoint); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("tunnel to %s is down", ui.Bold(endpoint)))
			return nil
		},
	}
}
