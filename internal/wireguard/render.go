package wireguard

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"vpsmesh/pkg/ipam"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	DefaultInterface  = "wg0"
	DefaultListenPort = 51820
	// DefaultEgress is the usual internet-facing interface on a cloud VPS.
	DefaultEgress = "eth0"
	// DefaultKeepalive is the PersistentKeepalive written into client configs.
	DefaultKeepalive = 25
)

var (
	DefaultSubnet = netip.MustParsePrefix("10.0.0.0/24")
	DefaultDNS    = []netip.Addr{netip.MustParseAddr("1.1.1.1")}
)

var ifaceNameRe = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,15}$`)

// Topology fixes the parameters shared by the server and every client.
type Topology struct {
	Interface  string
	Subnet     netip.Prefix
	ListenPort int
	DNS        []netip.Addr
}

// DefaultTopology is a /24 mesh on wg0 with the server at .1.
func DefaultTopology() Topology {
	return Topology{
		Interface:  DefaultInterface,
		Subnet:     DefaultSubnet,
		ListenPort: DefaultListenPort,
		DNS:        DefaultDNS,
	}
}

// ServerAddr is the mesh address of the server side.
func (t Topology) ServerAddr() netip.Addr {
	addr, err := ipam.ServerAddr(t.Subnet)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// FirstPeerAddr is the address given to the peer created during bootstrap.
func (t Topology) FirstPeerAddr() netip.Addr {
	addr, err := ipam.NextHost(t.Subnet, nil)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// Validate checks that the topology can be rendered.
func (t Topology) Validate() error {
	if !ifaceNameRe.MatchString(t.Interface) {
		return fmt.Errorf("invalid interface name %q", t.Interface)
	}
	if _, err := ipam.Capacity(t.Subnet); err != nil {
		return fmt.Errorf("invalid mesh subnet: %w", err)
	}
	if t.ListenPort <= 0 || t.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", t.ListenPort)
	}
	return nil
}

// ValidateEgress checks that name is a plausible Linux interface name. The
// name ends up in PostUp shell lines, so anything else is refused.
func ValidateEgress(name string) error {
	if !ifaceNameRe.MatchString(name) {
		return fmt.Errorf("invalid egress interface name %q", name)
	}
	return nil
}

// RenderServerConfig returns the wg-quick config for the server, with NAT
// scoped to egress and the first peer at its fixed address.
func RenderServerConfig(t Topology, serverPrivate, peerPublic wgtypes.Key, egress string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if err := ValidateEgress(egress); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", netip.PrefixFrom(t.ServerAddr(), t.Subnet.Bits()))
	fmt.Fprintf(&b, "ListenPort = %d\n", t.ListenPort)
	fmt.Fprintf(&b, "PrivateKey = %s\n", serverPrivate)
	b.WriteString("\n")
	fmt.Fprintf(&b, "PostUp = sysctl -w net.ipv4.ip_forward=1; iptables -A FORWARD -i %%i -j ACCEPT; iptables -t nat -A POSTROUTING -o %s -j MASQUERADE\n", egress)
	fmt.Fprintf(&b, "PostDown = iptables -D FORWARD -i %%i -j ACCEPT; iptables -t nat -D POSTROUTING -o %s -j MASQUERADE\n", egress)
	b.WriteString("\n")
	b.WriteString("PostUp = ip6tables -A FORWARD -i %i -j REJECT\n")
	b.WriteString("PostDown = ip6tables -D FORWARD -i %i -j REJECT\n")
	b.WriteString("\n")
	b.WriteString(PeerSection("", peerPublic, t.FirstPeerAddr()))
	return b.String(), nil
}

// PeerSection renders one [Peer] block routed to exactly addr/32.
func PeerSection(name string, public wgtypes.Key, addr netip.Addr) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "# Peer: %s\n", sanitizeComment(name))
	}
	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", public)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", netip.PrefixFrom(addr, addr.BitLen()))
	return b.String()
}

// RenderClientConfig returns the wg-quick config a client imports. All its
// traffic is routed through the server.
func RenderClientConfig(t Topology, clientPrivate, serverPublic wgtypes.Key, server netip.Addr, client netip.Addr) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", clientPrivate)
	fmt.Fprintf(&b, "Address = %s\n", netip.PrefixFrom(client, t.Subnet.Bits()))
	if len(t.DNS) > 0 {
		dns := make([]string, len(t.DNS))
		for i, d := range t.DNS {
			dns[i] = d.String()
		}
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(dns, ", "))
	}
	b.WriteString("\n")
	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", serverPublic)
	fmt.Fprintf(&b, "Endpoint = %s\n", netip.AddrPortFrom(server, uint16(t.ListenPort)))
	b.WriteString("AllowedIPs = 0.0.0.0/0\n")
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", DefaultKeepalive)
	return b.String()
}

func sanitizeComment(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}
