// Package status answers whether a local client tunnel is running and brings
// tunnels up and down with wg-quick.
package status

import (
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Oracle reports whether the tunnel interface name is running.
type Oracle interface {
	IsActive(name string) bool
}

type deviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// WGOracle asks the kernel or userspace wg implementation through wgctrl.
type WGOracle struct {
	open    func() (deviceClient, error)
	linkUp  func(name string) (bool, error)
	resolve func(name string) string
}

func NewWGOracle() *WGOracle {
	return &WGOracle{
		open: func() (deviceClient, error) {
			return wgctrl.New()
		},
		linkUp:  linkUp,
		resolve: resolveInterface,
	}
}

func (o *WGOracle) IsActive(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	iface := o.resolve(name)
	if up, err := o.linkUp(iface); err == nil && !up {
		return false
	}

	c, err := o.open()
	if err != nil {
		return false
	}
	defer c.Close()

	dev, err := c.Device(iface)
	if err != nil {
		return false
	}
	return dev != nil && dev.PublicKey != (wgtypes.Key{})
}
