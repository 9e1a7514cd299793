// Package mesh holds the records and storage contracts shared by the
// provisioning engine and its local adapters.
package mesh

import (
	"errors"
	"net/netip"
	"time"

	"vpsmesh/internal/roster"
)

// ErrSecretNotFound is returned by SecretStore.Load for an unknown identity.
var ErrSecretNotFound = errors.New("secret not found")

// Tunnel is the local record of the client tunnel issued by a bootstrap.
type Tunnel struct {
	Endpoint        string
	Name            string
	ServerPublicKey string
	ClientAddress   netip.Addr
	ConfigPath      string
	UpdatedAt       time.Time
}

// RosterMirror is a local read-through copy of an endpoint's roster. It is
// never authoritative; Stale is set when the last reconciliation failed.
type RosterMirror struct {
	Endpoint  string
	State     *roster.State
	Stale     bool
	UpdatedAt time.Time
}

// TunnelStore persists tunnel records and roster mirrors on this machine.
type TunnelStore interface {
	SaveTunnel(t Tunnel) error
	GetTunnel(endpoint string) (Tunnel, bool, error)
	ListTunnels() ([]Tunnel, error)
	DeleteTunnel(endpoint string) error
	SaveMirror(endpoint string, st *roster.State) error
	// RefreshMirror replaces the mirrored roster and leaves the stale flag
	// unchanged.
	RefreshMirror(endpoint string, st *roster.State) error
	MarkMirrorStale(endpoint string) error
	GetMirror(endpoint string) (RosterMirror, bool, error)
}

// SecretStore keeps client private keys on this machine.
type SecretStore interface {
	Store(identity, secret string) error
	Load(identity string) (string, error)
	Delete(identity string) error
}

// SecretIdentity is the key under which an endpoint's client private key is
// stored.
func SecretIdentity(endpoint string) string {
	return "priv_key_" + endpoint
}

// TunnelName is the wg-quick name of the client tunnel for endpoint, which is
// also the base name of its exported config file.
func TunnelName(endpoint string) string {
	return "wg_" + endpoint
}
