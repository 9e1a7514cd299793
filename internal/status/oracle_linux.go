//go:build linux

package status

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

func linkUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up link %q: %w", name, err)
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

// Kernel interfaces carry the wg-quick name directly.
func resolveInterface(name string) string { return name }
