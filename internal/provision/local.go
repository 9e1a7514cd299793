package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vpsmesh/internal/mesh"
	"vpsmesh/internal/remote"
	"vpsmesh/internal/roster"
	"vpsmesh/internal/wireguard"

	"github.com/cenkalti/backoff/v4"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// activate brings the interface up and waits until the daemon reports
// wantKey. With restart set a running interface is cycled so it picks up a
// freshly written config.
func (o *Orchestrator) activate(ctx context.Context, ch remote.Channel, cmds wireguard.Commands, restart bool, wantKey string) error {
	up, err := ch.Execute(ctx, cmds.IsUp())
	if err != nil {
		return fmt.Errorf("check interface: %w", err)
	}
	switch {
	case up.OK() && restart:
		if _, err := remote.Run(ctx, ch, cmds.Down()); err != nil {
			return fmt.Errorf("stop interface: %w", err)
		}
		fallthrough
	case !up.OK():
		if _, err := remote.Run(ctx, ch, cmds.Up()); err != nil {
			return fmt.Errorf("start interface: %w", err)
		}
	}
	if _, err := remote.Run(ctx, ch, cmds.Enable()); err != nil {
		return fmt.Errorf("enable interface on boot: %w", err)
	}

	wait := backoff.WithContext(o.activationWait(), ctx)
	return backoff.Retry(func() error {
		res, err := ch.Execute(ctx, cmds.ShowPublicKey())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !res.OK() {
			return &remote.CommandError{Command: cmds.ShowPublicKey(), Result: res}
		}
		got := strings.TrimSpace(res.Stdout)
		if got != wantKey {
			return backoff.Permanent(fmt.Errorf("daemon reports public key %q, expected %q", got, wantKey))
		}
		return nil
	}, wait)
}

// The local stores are optional. Failures there are logged and never undo
// remote state.

func (o *Orchestrator) storeSecret(r *run, endpoint string, kp wireguard.KeyPair) bool {
	if o.secrets == nil {
		return false
	}
	if err := o.secrets.Store(mesh.SecretIdentity(endpoint), kp.Private.String()); err != nil {
		r.log.Warn("store client private key", "err", err)
		return false
	}
	return true
}

func (o *Orchestrator) loadSecret(r *run, endpoint string) (wgtypes.Key, bool) {
	if o.secrets == nil {
		return wgtypes.Key{}, false
	}
	raw, err := o.secrets.Load(mesh.SecretIdentity(endpoint))
	if err != nil {
		if !errors.Is(err, mesh.ErrSecretNotFound) {
			r.log.Warn("load client private key", "err", err)
		}
		return wgtypes.Key{}, false
	}
	key, err := wgtypes.ParseKey(raw)
	if err != nil {
		r.log.Warn("stored client private key is invalid", "err", err)
		return wgtypes.Key{}, false
	}
	return key, true
}

func (o *Orchestrator) recordTunnel(r *run, endpoint string, st *roster.State, peer roster.Peer) {
	if o.tunnels == nil {
		return
	}
	t, _, err := o.tunnels.GetTunnel(endpoint)
	if err != nil {
		r.log.Warn("read tunnel record", "err", err)
		return
	}
	t.Endpoint = endpoint
	t.Name = mesh.TunnelName(endpoint)
	t.ServerPublicKey = st.ServerPublicKey
	t.ClientAddress = peer.Address
	t.UpdatedAt = o.now().UTC()
	if err := o.tunnels.SaveTunnel(t); err != nil {
		r.log.Warn("save tunnel record", "err", err)
	}
}

func (o *Orchestrator) recordExport(r *run, endpoint, path string) {
	if o.tunnels == nil {
		return
	}
	t, ok, err := o.tunnels.GetTunnel(endpoint)
	if err != nil || !ok {
		return
	}
	t.ConfigPath = path
	t.UpdatedAt = o.now().UTC()
	if err := o.tunnels.SaveTunnel(t); err != nil {
		r.log.Warn("save tunnel record", "err", err)
	}
}

func (o *Orchestrator) mirror(r *run, endpoint string, st *roster.State) {
	if o.tunnels == nil {
		return
	}
	if err := o.tunnels.SaveMirror(endpoint, st); err != nil {
		r.log.Warn("save roster mirror", "err", err)
	}
}

func (o *Orchestrator) markStale(r *run, endpoint string) {
	if o.tunnels == nil {
		return
	}
	if err := o.tunnels.MarkMirrorStale(endpoint); err != nil {
		r.log.Warn("mark roster mirror stale", "err", err)
	}
}
