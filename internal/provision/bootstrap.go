package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"vpsmesh/internal/mesh"
	"vpsmesh/internal/reconcile"
	"vpsmesh/internal/remote"
	"vpsmesh/internal/roster"
	"vpsmesh/internal/wireguard"
)

// DefaultPeerName names the peer created by a bootstrap.
const DefaultPeerName = "initial_client"

// BootstrapOptions configures Bootstrap.
type BootstrapOptions struct {
	Connect ConnectOptions
	// Egress is the server's internet-facing interface used for NAT.
	Egress    string
	PeerName  string
	ExportDir string
	Harden    bool
}

// BootstrapResult describes a provisioned endpoint.
type BootstrapResult struct {
	Endpoint           string
	Phase              Phase
	AlreadyProvisioned bool
	ServerPublicKey    string
	Peer               roster.Peer
	// ClientConfig is empty when the endpoint was already provisioned and the
	// client private key is not available locally.
	ClientConfig string
	ExportPath   string
	SecretStored bool
	Reconcile    reconcile.Report
}

// Bootstrap takes an endpoint to Provisioned. Running it again on a
// provisioned endpoint issues no new identity; it only makes sure the daemon
// is up and matches the roster.
func (o *Orchestrator) Bootstrap(ctx context.Context, opts BootstrapOptions) (BootstrapResult, error) {
	if err := opts.Connect.validate(); err != nil {
		return BootstrapResult{}, err
	}
	if err := wireguard.ValidateEgress(opts.Egress); err != nil {
		return BootstrapResult{}, &ValidationError{Field: "egress", Message: err.Error()}
	}
	if err := o.topo.Validate(); err != nil {
		return BootstrapResult{}, &ValidationError{Field: "topology", Message: err.Error()}
	}
	peerName := strings.TrimSpace(opts.PeerName)
	if peerName == "" {
		peerName = DefaultPeerName
	}

	endpoint := opts.Connect.Host.String()
	unlock := o.lock(endpoint)
	defer unlock()

	r := o.newRun(endpoint, Unreachable, "bootstrap")
	result := BootstrapResult{Endpoint: endpoint}

	var (
		ch       remote.Channel
		cmds     wireguard.Commands
		store    *roster.Store
		existing *roster.State
		st       *roster.State
		server   wireguard.KeyPair
		client   wireguard.KeyPair
	)
	defer func() {
		if ch != nil {
			_ = ch.Close()
		}
	}()

	steps := o.connectSteps(r, opts.Connect, &ch)
	steps = append(steps,
		step{id: stepInstall, title: "installing wireguard", fn: func(ctx context.Context) error {
			cmds = o.commands(ch)
			store = o.store(ch)
			if err := o.ensureInstalled(ctx, ch, cmds); err != nil {
				return r.fail(stepInstall, err)
			}
			r.advance(DaemonInstalled)
			return nil
		}},
		step{id: stepInspect, title: "reading roster", fn: func(ctx context.Context) error {
			loaded, err := store.Load(ctx, ch)
			switch {
			case err == nil:
				existing = loaded
				result.AlreadyProvisioned = true
				r.log.Info("endpoint already provisioned", "peers", len(loaded.Peers), "revision", loaded.Revision)
			case errors.Is(err, roster.ErrNotFound):
			default:
				return r.fail(stepInspect, err)
			}
			return nil
		}},
		step{id: stepConfigure, title: "configuring daemon", fn: func(ctx context.Context) error {
			if existing != nil {
				r.advance(DaemonConfigured)
				return nil
			}
			var err error
			if server, err = o.generateKeyPair(); err != nil {
				return r.fail(stepConfigure, err)
			}
			if client, err = o.generateKeyPair(); err != nil {
				return r.fail(stepConfigure, err)
			}
			conf, err := wireguard.RenderServerConfig(o.topo, server.Private, client.Public, opts.Egress)
			if err != nil {
				return r.fail(stepConfigure, err)
			}
			if err := ch.Transfer(ctx, cmds.ConfigPath(), []byte(conf), configFileMode); err != nil {
				return r.fail(stepConfigure, fmt.Errorf("upload server config: %w", err))
			}
			r.log.Info("server config uploaded", "server", server)
			r.advance(DaemonConfigured)
			return nil
		}},
		step{id: stepActivate, title: "starting daemon", fn: func(ctx context.Context) error {
			want := server.Public.String()
			restart := true
			if existing != nil {
				want = existing.ServerPublicKey
				restart = false
			}
			if err := o.activate(ctx, ch, cmds, restart, want); err != nil {
				return r.fail(stepActivate, err)
			}
			r.advance(DaemonActive)
			return nil
		}},
		step{id: stepPersist, title: "persisting roster", fn: func(ctx context.Context) error {
			if existing != nil {
				st = existing
				return nil
			}
			fresh, err := store.LoadOrInit(ctx, ch, opts.Connect.Host)
			if err != nil {
				return r.fail(stepPersist, err)
			}
			if fresh.ServerPublicKey != server.Public.String() {
				return r.fail(stepPersist, fmt.Errorf("daemon reports public key %s, expected %s", fresh.ServerPublicKey, server.Public))
			}
			peer := roster.Peer{
				Name:      peerName,
				PublicKey: client.Public.String(),
				Address:   o.topo.FirstPeerAddr(),
				CreatedAt: o.now().UTC(),
			}
			if err := fresh.Append(peer); err != nil {
				return r.fail(stepPersist, err)
			}
			if err := store.Save(ctx, ch, fresh); err != nil {
				return r.fail(stepPersist, err)
			}
			st = fresh
			r.log.Info("roster persisted", "peer", peer.Name, "address", peer.Address, "revision", fresh.Revision)
			result.SecretStored = o.storeSecret(r, endpoint, client)
			o.recordTunnel(r, endpoint, st, peer)
			return nil
		}},
		step{id: stepReconcile, title: "reconciling peers", fn: func(ctx context.Context) error {
			report, err := o.reconciler(ch, r.log).Reconcile(ctx, ch, st)
			result.Reconcile = report
			if err != nil {
				o.markStale(r, endpoint)
				return r.fail(stepReconcile, fmt.Errorf("%w: %w", ErrReconcilePending, err))
			}
			o.mirror(r, endpoint, st)
			return nil
		}},
		step{id: stepExport, title: "exporting client config", fn: func(context.Context) error {
			result.ServerPublicKey = st.ServerPublicKey
			if len(st.Peers) > 0 {
				result.Peer = st.Peers[0]
			}
			priv := client.Private
			if existing != nil {
				key, ok := o.loadSecret(r, endpoint)
				if !ok {
					r.log.Info("client private key not held locally, skipping export")
					r.advance(Provisioned)
					return nil
				}
				priv = key
			}
			serverKey, err := wireguard.ParseKey(st.ServerPublicKey)
			if err != nil {
				return r.fail(stepExport, err)
			}
			result.ClientConfig = wireguard.RenderClientConfig(o.topo, priv, serverKey, st.ServerAddress, result.Peer.Address)
			if opts.ExportDir != "" {
				path := filepath.Join(opts.ExportDir, mesh.TunnelName(endpoint)+".conf")
				if err := o.writeFile(path, []byte(result.ClientConfig), configFileMode); err != nil {
					return r.fail(stepExport, fmt.Errorf("write client config: %w", err))
				}
				result.ExportPath = path
				o.recordExport(r, endpoint, path)
			}
			r.advance(Provisioned)
			return nil
		}},
	)
	if opts.Harden {
		steps = append(steps, step{id: stepHarden, title: "hardening ssh", fn: func(ctx context.Context) error {
			if _, err := remote.Run(ctx, ch, cmds.HardenSSH()); err != nil {
				return r.fail(stepHarden, err)
			}
			return nil
		}})
	}

	err := o.runSteps(ctx, r, "bootstrap", steps)
	result.Phase = r.phase
	if err != nil {
		return result, err
	}
	r.log.Info("endpoint provisioned", "already_provisioned", result.AlreadyProvisioned)
	return result, nil
}

// ensureInstalled installs wireguard unless `wg` is already present, then
// creates the config directory.
func (o *Orchestrator) ensureInstalled(ctx context.Context, ch remote.Channel, cmds wireguard.Commands) error {
	res, err := ch.Execute(ctx, cmds.Installed())
	if err != nil {
		return fmt.Errorf("check wireguard: %w", err)
	}
	if !res.OK() {
		if _, err := remote.Run(ctx, ch, cmds.Install()); err != nil {
			return fmt.Errorf("install wireguard: %w", err)
		}
	}
	if _, err := remote.Run(ctx, ch, cmds.EnsureConfigDir()); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return nil
}
