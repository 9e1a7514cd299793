package peercmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"vpsmesh/cmd/vpsmesh/cmdutil"
	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/mesh"
	"vpsmesh/internal/provision"
	"vpsmesh/pkg/sdk/defaults"

	"github.com/spf13/cobra"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func addCmd() *cobra.Command {
	var (
		hf        cmdutil.HostFlags
		exportDir string
		toStdout  bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Issue a new client identity and write its config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, host, err := hf.Resolve()
			if err != nil {
				return err
			}
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ch, err := s.Connect(cmd.Context(), host, hf.ProbeTimeout)
			if err != nil {
				return cmdutil.DecorateError("add peer", err)
			}
			defer func() { _ = ch.Close() }()

			res, addErr := s.Orchestrator.AddPeer(cmd.Context(), ch, args[0])
			if addErr != nil && !errors.Is(addErr, provision.ErrReconcilePending) {
				return cmdutil.DecorateError("add peer", addErr)
			}

			// The peer exists once the roster is saved, so its config is
			// delivered even when reconciliation is still pending.
			if toStdout {
				fmt.Print(res.ClientConfig)
			} else {
				dir := exportDir
				if dir == "" {
					dir = defaults.ExportDir(s.DataRoot)
				}
				path, err := writeClientConfig(dir, res.Endpoint, res.Peer.Name, res.ClientConfig)
				if err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("peer %s added at %s", ui.Bold(res.Peer.Name), ui.Accent(res.Peer.Address.String())))
				fmt.Print(ui.KeyValues("  ",
					ui.KV("public key", res.Peer.PublicKey),
					ui.KV("client config", path),
					ui.KV("roster revision", fmt.Sprint(res.Revision)),
				))
			}
			return cmdutil.DecorateError("add peer", addErr)
		},
	}

	hf.Bind(cmd)
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "Directory for the client config (default: <data root>/tunnels)")
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "Print the client config instead of writing a file")
	return cmd
}

// clientConfigName is wg_<server>_<peer>.conf with the peer name reduced to
// file-safe characters.
func clientConfigName(endpoint, peer string) string {
	return mesh.TunnelName(endpoint) + "_" + unsafeFileChars.ReplaceAllString(peer, "_") + ".conf"
}

func writeClientConfig(dir, endpoint, peer, config string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, clientConfigName(endpoint, peer))
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	return path, nil
}
