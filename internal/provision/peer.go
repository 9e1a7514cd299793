package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vpsmesh/internal/mesh"
	"vpsmesh/internal/reconcile"
	"vpsmesh/internal/remote"
	"vpsmesh/internal/roster"
	"vpsmesh/internal/wireguard"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const maxPeerNameLen = 64

// AddPeerResult carries the identity issued by AddPeer. ClientConfig holds the
// peer's private key and is never persisted by the engine.
type AddPeerResult struct {
	Endpoint        string
	Peer            roster.Peer
	ServerPublicKey string
	ClientConfig    string
	Revision        uint64
	Reconcile       reconcile.Report
}

func validatePeerName(name string) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return &ValidationError{Field: "name", Message: "a peer name is required"}
	case len(name) > maxPeerNameLen:
		return &ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", maxPeerNameLen)}
	case strings.ContainsAny(name, "\r\n"):
		return &ValidationError{Field: "name", Message: "must be a single line"}
	}
	return nil
}

// AddPeer issues a new identity on a provisioned endpoint. Once the roster has
// been saved the peer exists; if the daemon could not be converged the
// result is still returned together with an error wrapping
// ErrReconcilePending, and Reconcile alone completes the operation.
func (o *Orchestrator) AddPeer(ctx context.Context, ch remote.Channel, name string) (AddPeerResult, error) {
	if err := validatePeerName(name); err != nil {
		return AddPeerResult{}, err
	}
	name = strings.TrimSpace(name)

	endpoint := endpointOf(ch)
	unlock := o.lock(endpoint)
	defer unlock()

	r := o.newRun(endpoint, Provisioned, "add_peer")
	store := o.store(ch)
	result := AddPeerResult{Endpoint: endpoint}

	var (
		st        *roster.State
		serverKey wgtypes.Key
		client    wireguard.KeyPair
	)
	// Nothing after the roster save may fail except reconciliation.
	steps := []step{
		{id: stepLoadRoster, title: "reading roster", fn: func(ctx context.Context) error {
			loaded, err := store.Load(ctx, ch)
			if errors.Is(err, roster.ErrNotFound) {
				err = ErrNotProvisioned
			}
			if err != nil {
				return r.fail(stepLoadRoster, err)
			}
			key, err := wireguard.ParseKey(loaded.ServerPublicKey)
			if err != nil {
				return r.fail(stepLoadRoster, &roster.CorruptionError{Path: store.Path, Err: err})
			}
			st, serverKey = loaded, key
			return nil
		}},
		{id: stepAllocate, title: "allocating address", fn: func(context.Context) error {
			addr, err := roster.NextAddress(st, o.topo.Subnet)
			if err != nil {
				return r.fail(stepAllocate, err)
			}
			result.Peer = roster.Peer{Name: name, Address: addr}
			return nil
		}},
		{id: stepIssue, title: "issuing identity", fn: func(context.Context) error {
			kp, err := o.generateKeyPair()
			if err != nil {
				return r.fail(stepIssue, err)
			}
			client = kp
			result.Peer.PublicKey = kp.Public.String()
			result.Peer.CreatedAt = o.now().UTC()
			return nil
		}},
		{id: stepPersist, title: "persisting roster", fn: func(ctx context.Context) error {
			next := st.Clone()
			if err := next.Append(result.Peer); err != nil {
				return r.fail(stepPersist, err)
			}
			if err := store.Save(ctx, ch, next); err != nil {
				return r.fail(stepPersist, err)
			}
			st = next
			result.Revision = st.Revision
			result.ServerPublicKey = st.ServerPublicKey
			r.log.Info("peer added to roster", "peer", name, "address", result.Peer.Address, "revision", st.Revision)
			result.ClientConfig = wireguard.RenderClientConfig(o.topo, client.Private, serverKey, st.ServerAddress, result.Peer.Address)
			return nil
		}},
		{id: stepReconcile, title: "reconciling peers", fn: func(ctx context.Context) error {
			report, err := o.reconciler(ch, r.log).Reconcile(ctx, ch, st)
			result.Reconcile = report
			if err != nil {
				o.markStale(r, endpoint)
				return r.fail(stepReconcile, fmt.Errorf("%w: %w", ErrReconcilePending, err))
			}
			o.mirror(r, endpoint, st)
			return nil
		}},
	}

	if err := o.runSteps(ctx, r, "add_peer", steps); err != nil {
		if errors.Is(err, ErrReconcilePending) {
			return result, err
		}
		return AddPeerResult{}, err
	}
	return result, nil
}

// Reconcile converges the daemon with the persisted roster. It is the
// recovery path after an AddPeer that returned ErrReconcilePending.
func (o *Orchestrator) Reconcile(ctx context.Context, ch remote.Channel) (reconcile.Report, error) {
	endpoint := endpointOf(ch)
	unlock := o.lock(endpoint)
	defer unlock()

	r := o.newRun(endpoint, Provisioned, "reconcile")
	store := o.store(ch)
	var (
		st     *roster.State
		report reconcile.Report
	)
	steps := []step{
		{id: stepLoadRoster, title: "reading roster", fn: func(ctx context.Context) error {
			loaded, err := store.Load(ctx, ch)
			if errors.Is(err, roster.ErrNotFound) {
				err = ErrNotProvisioned
			}
			if err != nil {
				return r.fail(stepLoadRoster, err)
			}
			st = loaded
			return nil
		}},
		{id: stepReconcile, title: "reconciling peers", fn: func(ctx context.Context) error {
			var err error
			report, err = o.reconciler(ch, r.log).Reconcile(ctx, ch, st)
			if err != nil {
				o.markStale(r, endpoint)
				return r.fail(stepReconcile, err)
			}
			o.mirror(r, endpoint, st)
			return nil
		}},
	}
	if err := o.runSteps(ctx, r, "reconcile", steps); err != nil {
		return report, err
	}
	return report, nil
}

// ListPeers reads the endpoint's roster and refreshes the local mirror without
// touching its stale flag.
func (o *Orchestrator) ListPeers(ctx context.Context, ch remote.Channel) (*roster.State, error) {
	st, err := o.store(ch).Load(ctx, ch)
	if errors.Is(err, roster.ErrNotFound) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, err
	}
	if o.tunnels != nil {
		if err := o.tunnels.RefreshMirror(endpointOf(ch), st); err != nil {
			o.log.Warn("refresh roster mirror", "endpoint", endpointOf(ch), "err", err)
		}
	}
	return st, nil
}

// Destroy stops the daemon and removes its config and roster from the
// endpoint, then drops the local records kept for it.
func (o *Orchestrator) Destroy(ctx context.Context, ch remote.Channel) error {
	endpoint := endpointOf(ch)
	unlock := o.lock(endpoint)
	defer unlock()

	r := o.newRun(endpoint, Provisioned, "destroy")
	cmds := o.commands(ch)
	steps := []step{
		{id: stepTeardown, title: "removing wireguard config", fn: func(ctx context.Context) error {
			if _, err := remote.Run(ctx, ch, cmds.Teardown()); err != nil {
				return r.fail(stepTeardown, err)
			}
			if o.tunnels != nil {
				if err := o.tunnels.DeleteTunnel(endpoint); err != nil {
					r.log.Warn("delete tunnel record", "err", err)
				}
			}
			if o.secrets != nil {
				if err := o.secrets.Delete(mesh.SecretIdentity(endpoint)); err != nil {
					r.log.Warn("delete client private key", "err", err)
				}
			}
			r.log.Info("endpoint torn down")
			return nil
		}},
	}
	return o.runSteps(ctx, r, "destroy", steps)
}

// Harden disables password logins on the endpoint's SSH server.
func (o *Orchestrator) Harden(ctx context.Context, ch remote.Channel) error {
	endpoint := endpointOf(ch)
	r := o.newRun(endpoint, SSHAuthenticated, "harden")
	cmds := o.commands(ch)
	return o.runSteps(ctx, r, "harden", []step{
		{id: stepHarden, title: "hardening ssh", fn: func(ctx context.Context) error {
			if _, err := remote.Run(ctx, ch, cmds.HardenSSH()); err != nil {
				return r.fail(stepHarden, err)
			}
			r.log.Info("password logins disabled")
			return nil
		}},
	})
}
