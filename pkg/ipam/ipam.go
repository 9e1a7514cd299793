package ipam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"

	"go4.org/netipx"
)

// ErrExhausted is returned when no host address is left above the highest
// assigned one.
var ErrExhausted = errors.New("no free host address in subnet")

// ServerAddr returns the first host address of subnet, which is reserved for
// the server side of the mesh.
func ServerAddr(subnet netip.Prefix) (netip.Addr, error) {
	start, _, err := hostRange(subnet)
	if err != nil {
		return netip.Addr{}, err
	}
	return Uint32ToAddr(start - 1), nil
}

// NextHost returns the address one above the highest address in assigned that
// falls inside subnet. The server address is the baseline, so the first client
// gets network+2. Addresses are never reused: gaps left by removed peers stay
// empty. The last two addresses of the subnet are never handed out.
func NextHost(subnet netip.Prefix, assigned []netip.Addr) (netip.Addr, error) {
	start, end, err := hostRange(subnet)
	if err != nil {
		return netip.Addr{}, err
	}

	highest := start - 1
	for _, a := range assigned {
		if !a.Is4() || !subnet.Contains(a) {
			continue
		}
		if v := addrToUint32(a); v > highest {
			highest = v
		}
	}
	if highest >= end {
		return netip.Addr{}, fmt.Errorf("%w %s", ErrExhausted, subnet.Masked())
	}
	next := Uint32ToAddr(highest + 1)

	taken, err := Taken(subnet, assigned)
	if err != nil {
		return netip.Addr{}, err
	}
	if taken.Contains(next) {
		return netip.Addr{}, fmt.Errorf("candidate %s already assigned in %s", next, subnet.Masked())
	}
	return next, nil
}

// Taken builds the set of assigned addresses inside subnet.
func Taken(subnet netip.Prefix, assigned []netip.Addr) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, a := range assigned {
		if a.IsValid() && subnet.Contains(a) {
			b.Add(a)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build assigned address set: %w", err)
	}
	return set, nil
}

// Capacity is the number of client addresses NextHost can hand out in subnet.
func Capacity(subnet netip.Prefix) (int, error) {
	start, end, err := hostRange(subnet)
	if err != nil {
		return 0, err
	}
	return int(end - start + 1), nil
}

// LastOctet returns the final byte of an IPv4 address.
func LastOctet(a netip.Addr) int {
	if !a.Is4() {
		return 0
	}
	return int(a.As4()[3])
}

// hostRange returns the first and last client address of subnet as integers.
func hostRange(subnet netip.Prefix) (uint32, uint32, error) {
	if !subnet.IsValid() {
		return 0, 0, fmt.Errorf("subnet cidr is required")
	}
	if !subnet.Addr().Is4() {
		return 0, 0, fmt.Errorf("only ipv4 subnets are supported")
	}
	if subnet.Bits() > 29 {
		return 0, 0, fmt.Errorf("subnet %s is too small", subnet)
	}
	first, last, err := PrefixRange4(subnet)
	if err != nil {
		return 0, 0, err
	}
	// first is the network, first+1 the server; last-1 and last are reserved.
	return first + 2, last - 2, nil
}

func PrefixRange4(p netip.Prefix) (uint32, uint32, error) {
	p = p.Masked()
	if !p.Addr().Is4() {
		return 0, 0, fmt.Errorf("prefix %s is not ipv4", p)
	}
	start := addrToUint32(p.Addr())
	hostBits := 32 - p.Bits()
	if hostBits <= 0 {
		return start, start, nil
	}
	if hostBits >= 32 {
		return 0, math.MaxUint32, nil
	}
	size := uint32(1) << hostBits
	return start, start + size - 1, nil
}

func Uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}
