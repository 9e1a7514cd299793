package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vpsmesh/cmd/vpsmesh/cmdutil"
	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/provision"
	"vpsmesh/internal/remote"
	"vpsmesh/internal/wireguard"
	"vpsmesh/pkg/sdk/defaults"
	"vpsmesh/pkg/sdk/hosts"

	"github.com/spf13/cobra"
)

type setupFlags struct {
	name         string
	user         string
	keyFile      string
	sshPort      int
	egress       string
	peerName     string
	exportDir    string
	harden       bool
	probeTimeout time.Duration
}

func setupCmd() *cobra.Command {
	var f setupFlags

	cmd := &cobra.Command{
		Use:   "setup <ip>",
		Short: "Install and configure the mesh server on a host and issue the first client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := f.host(args[0])
			if err != nil {
				return err
			}
			opts, err := cmdutil.ConnectOptions(host, f.probeTimeout)
			if err != nil {
				return err
			}

			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			exportDir := f.exportDir
			if exportDir == "" {
				exportDir = defaults.ExportDir(s.DataRoot)
			}
			if err := os.MkdirAll(exportDir, 0o700); err != nil {
				return fmt.Errorf("create export dir: %w", err)
			}

			res, err := s.Orchestrator.Bootstrap(cmd.Context(), provision.BootstrapOptions{
				Connect:   opts,
				Egress:    host.Egress,
				PeerName:  f.peerName,
				ExportDir: exportDir,
				Harden:    f.harden,
			})
			if err != nil {
				return cmdutil.DecorateError("setup "+host.Address, err)
			}
			if err := saveHost(f.name, host); err != nil {
				return err
			}

			printSetup(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.name, "name", "", "Name to save the host under (default: the address)")
	cmd.Flags().StringVar(&f.user, "user", "root", "SSH user; non-root users need passwordless sudo")
	cmd.Flags().StringVar(&f.keyFile, "ssh-key", defaultKeyFile(), "SSH private key file")
	cmd.Flags().IntVar(&f.sshPort, "ssh-port", defaults.SSHPort, "SSH port")
	cmd.Flags().StringVar(&f.egress, "egress", wireguard.DefaultEgress, "Server interface that carries internet traffic")
	cmd.Flags().StringVar(&f.peerName, "peer-name", provision.DefaultPeerName, "Name of the first client")
	cmd.Flags().StringVar(&f.exportDir, "export-dir", "", "Directory for client configs (default: <data root>/tunnels)")
	cmd.Flags().BoolVar(&f.harden, "harden", false, "Disable SSH password login after setup")
	cmd.Flags().DurationVar(&f.probeTimeout, "probe-timeout", remote.DefaultProbeTimeout, "TCP reachability probe timeout")
	return cmd
}

func (f setupFlags) host(addr string) (hosts.Host, error) {
	h := hosts.Host{
		Address: strings.TrimSpace(addr),
		User:    strings.TrimSpace(f.user),
		KeyFile: strings.TrimSpace(f.keyFile),
		Port:    f.sshPort,
		Egress:  strings.TrimSpace(f.egress),
	}
	if h.Port == defaults.SSHPort {
		h.Port = 0
	}
	if err := h.Validate(); err != nil {
		return hosts.Host{}, fmt.Errorf("setup: %w", err)
	}
	return h, nil
}

func saveHost(name string, h hosts.Host) error {
	cfg, err := hosts.LoadDefault()
	if err != nil {
		return fmt.Errorf("read host config: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = h.Address
	}
	cfg.Upsert(name, h)
	cfg.CurrentHost = name
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save host config: %w", err)
	}
	return nil
}

func printSetup(res provision.BootstrapResult) {
	if res.AlreadyProvisioned {
		fmt.Println(ui.InfoMsg("%s was already provisioned; no new identity issued", ui.Bold(res.Endpoint)))
	} else {
		fmt.Println(ui.SuccessMsg("%s is provisioned", ui.Bold(res.Endpoint)))
	}

	pairs := []ui.Pair{
		ui.KV("server key", res.ServerPublicKey),
		ui.KV("peer", res.Peer.Name),
		ui.KV("address", res.Peer.Address.String()),
	}
	if res.ExportPath != "" {
		pairs = append(pairs, ui.KV("client config", res.ExportPath))
	}
	if res.Reconcile.Changed() {
		pairs = append(pairs, ui.KV("reconciled", fmt.Sprintf("%d upserted, %d removed", len(res.Reconcile.Upserted), len(res.Reconcile.Removed))))
	}
	fmt.Print(ui.KeyValues("  ", pairs...))

	if res.ClientConfig == "" {
		fmt.Println(ui.WarnMsg("the client private key is not stored on this machine; use `vpsmesh peer add` for a new client"))
	}
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}
