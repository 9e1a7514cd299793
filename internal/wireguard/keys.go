// Package wireguard issues mesh identities and renders the text configs and
// daemon commands for the wg0 interface on the remote host.
package wireguard

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair is one mesh identity. Formatting a KeyPair never prints the private
// half.
type KeyPair struct {
	Private wgtypes.Key
	Public  wgtypes.Key
}

// GenerateKeyPair returns a fresh random identity.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate wireguard private key: %w", err)
	}
	return KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

func (k KeyPair) String() string {
	return "KeyPair{public=" + k.Public.String() + "}"
}

func (k KeyPair) GoString() string { return k.String() }

func (k KeyPair) LogValue() slog.Value {
	return slog.GroupValue(slog.String("public_key", k.Public.String()))
}

// ParseKey decodes a base64 key as printed by wg.
func ParseKey(s string) (wgtypes.Key, error) {
	k, err := wgtypes.ParseKey(strings.TrimSpace(s))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("parse wireguard key: %w", err)
	}
	return k, nil
}
