package peercmd

import (
	"fmt"
	"time"

	"vpsmesh/cmd/vpsmesh/cmdutil"
	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/roster"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	var (
		hf     cmdutil.HostFlags
		cached bool
	)

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the peers in the server roster",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, host, err := hf.Resolve()
			if err != nil {
				return err
			}
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if cached {
				mirror, ok, err := s.Tunnels.GetMirror(host.Address)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no cached roster for %s; run without --cached", host.Address)
				}
				if mirror.Stale {
					fmt.Println(ui.WarnMsg("cached roster is stale: the last reconcile failed"))
				}
				fmt.Println(peerTable(mirror.State, time.Now()))
				return nil
			}

			ch, err := s.Connect(cmd.Context(), host, hf.ProbeTimeout)
			if err != nil {
				return cmdutil.DecorateError("list peers", err)
			}
			defer func() { _ = ch.Close() }()

			st, err := s.Orchestrator.ListPeers(cmd.Context(), ch)
			if err != nil {
				return cmdutil.DecorateError("list peers", err)
			}
			fmt.Println(peerTable(st, time.Now()))
			return nil
		},
	}

	hf.Bind(cmd)
	cmd.Flags().BoolVar(&cached, "cached", false, "Show the last roster seen by this machine without connecting")
	return cmd
}

func peerTable(st *roster.State, now time.Time) string {
	rows := make([][]string, 0, len(st.Peers))
	for _, p := range st.Peers {
		rows = append(rows, []string{
			p.Name,
			p.Address.String(),
			p.PublicKey,
			humanize.RelTime(p.CreatedAt, now, "ago", "from now"),
		})
	}
	return ui.Table([]string{"NAME", "ADDRESS", "PUBLIC KEY", "ADDED"}, rows)
}
