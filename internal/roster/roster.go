// Package roster keeps the declared peer set of one endpoint. The roster is a
// JSON document on the remote host and is the only authoritative record of
// which peers should exist.
package roster

import (
	"fmt"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Peer is one issued identity. Only the public half of the key is recorded.
type Peer struct {
	Name      string     `json:"name"`
	PublicKey string     `json:"public_key"`
	Address   netip.Addr `json:"address"`
	CreatedAt time.Time  `json:"created_at"`
}

// Key parses the peer's public key.
func (p Peer) Key() (wgtypes.Key, error) {
	k, err := wgtypes.ParseKey(p.PublicKey)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("peer %q has invalid public key: %w", p.Name, err)
	}
	return k, nil
}

// Prefix is the single-host route the daemon should hold for the peer.
func (p Peer) Prefix() netip.Prefix {
	return netip.PrefixFrom(p.Address, p.Address.BitLen())
}

// State is the roster of one endpoint.
type State struct {
	// Revision increases by one on every successful save and guards against
	// concurrent writers.
	Revision        uint64     `json:"revision"`
	ServerPublicKey string     `json:"server_public_key"`
	ServerAddress   netip.Addr `json:"server_address"`
	Peers           []Peer     `json:"peers"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// New returns an empty roster for a server.
func New(serverPublicKey string, serverAddress netip.Addr, now time.Time) *State {
	return &State{
		ServerPublicKey: serverPublicKey,
		ServerAddress:   serverAddress,
		Peers:           []Peer{},
		LastUpdated:     now,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Peers = append([]Peer{}, s.Peers...)
	return &c
}

// Addresses lists every peer address in roster order.
func (s *State) Addresses() []netip.Addr {
	out := make([]netip.Addr, len(s.Peers))
	for i, p := range s.Peers {
		out[i] = p.Address
	}
	return out
}

// Append adds p after checking that its key and address are unused.
func (s *State) Append(p Peer) error {
	for _, existing := range s.Peers {
		if existing.Address == p.Address {
			return fmt.Errorf("address %s already assigned to peer %q", p.Address, existing.Name)
		}
		if existing.PublicKey == p.PublicKey {
			return fmt.Errorf("public key already issued to peer %q", existing.Name)
		}
	}
	s.Peers = append(s.Peers, p)
	return nil
}

// Validate checks that every peer has a parseable key and a unique address
// inside subnet.
func (s *State) Validate(subnet netip.Prefix) error {
	seenAddr := make(map[netip.Addr]string, len(s.Peers))
	seenKey := make(map[string]string, len(s.Peers))
	for _, p := range s.Peers {
		if _, err := p.Key(); err != nil {
			return err
		}
		if !subnet.Contains(p.Address) {
			return fmt.Errorf("peer %q address %s is outside %s", p.Name, p.Address, subnet)
		}
		if other, ok := seenAddr[p.Address]; ok {
			return fmt.Errorf("peers %q and %q share address %s", other, p.Name, p.Address)
		}
		if other, ok := seenKey[p.PublicKey]; ok {
			return fmt.Errorf("peers %q and %q share a public key", other, p.Name)
		}
		seenAddr[p.Address] = p.Name
		seenKey[p.PublicKey] = p.Name
	}
	return nil
}
