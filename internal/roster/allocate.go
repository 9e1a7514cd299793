package roster

import (
	"errors"
	"fmt"
	"net/netip"

	"vpsmesh/pkg/ipam"
)

// ErrAddressExhausted is returned when the subnet has no address left above
// the highest one in use.
var ErrAddressExhausted = errors.New("mesh address space exhausted")

// NextAddress returns the address for the next peer: one above the highest
// address in the roster, with the server address as the baseline. Addresses
// of removed peers are not reused. s is never modified.
func NextAddress(s *State, subnet netip.Prefix) (netip.Addr, error) {
	addr, err := ipam.NextHost(subnet, s.Addresses())
	if err != nil {
		if errors.Is(err, ipam.ErrExhausted) {
			return netip.Addr{}, fmt.Errorf("%w: %d peers in %s", ErrAddressExhausted, len(s.Peers), subnet)
		}
		return netip.Addr{}, fmt.Errorf("allocate address: %w", err)
	}
	return addr, nil
}
