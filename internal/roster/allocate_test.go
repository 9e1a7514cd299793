package roster

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNextAddress(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		want  string
	}{
		{name: "first peer", want: "10.0.0.2"},
		{name: "second peer", addrs: []string{"10.0.0.2"}, want: "10.0.0.3"},
		{name: "third peer", addrs: []string{"10.0.0.2", "10.0.0.3"}, want: "10.0.0.4"},
		{name: "out of order", addrs: []string{"10.0.0.9", "10.0.0.2"}, want: "10.0.0.10"},
		// Removed peers leave gaps that are never refilled.
		{name: "gap is not reused", addrs: []string{"10.0.0.2", "10.0.0.5"}, want: "10.0.0.6"},
		{name: "last slot", addrs: []string{"10.0.0.252"}, want: "10.0.0.253"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := New(testPubKey(t), testServer, testNow)
			for i, a := range tt.addrs {
				if err := st.Append(testPeer(t, fmt.Sprintf("p%d", i), a)); err != nil {
					t.Fatal(err)
				}
			}
			got, err := NextAddress(st, testSubnet)
			if err != nil {
				t.Fatalf("NextAddress() error = %v", err)
			}
			if got.String() != tt.want {
				t.Fatalf("NextAddress() = %s, want %s", got, tt.want)
			}
			for _, a := range st.Addresses() {
				if got.Compare(a) <= 0 {
					t.Fatalf("NextAddress() = %s is not above %s", got, a)
				}
			}
		})
	}
}

func TestNextAddressExhausted(t *testing.T) {
	st := New(testPubKey(t), testServer, testNow)
	for octet := 2; octet <= 253; octet++ {
		if err := st.Append(testPeer(t, fmt.Sprintf("p%d", octet), fmt.Sprintf("10.0.0.%d", octet))); err != nil {
			t.Fatal(err)
		}
	}
	before := st.Clone()

	_, err := NextAddress(st, testSubnet)
	if !errors.Is(err, ErrAddressExhausted) {
		t.Fatalf("NextAddress() error = %v, want ErrAddressExhausted", err)
	}
	if diff := cmp.Diff(before, st, addrComparer); diff != "" {
		t.Fatalf("NextAddress() mutated the roster (-before +after):\n%s", diff)
	}
}

func TestNextAddressIgnoresForeignAddresses(t *testing.T) {
	st := New(testPubKey(t), testServer, testNow)
	st.Peers = append(st.Peers, Peer{Name: "x", PublicKey: testPubKey(t), Address: netip.MustParseAddr("192.168.1.200")})
	got, err := NextAddress(st, testSubnet)
	if err != nil {
		t.Fatalf("NextAddress() error = %v", err)
	}
	if got.String() != "10.0.0.2" {
		t.Fatalf("NextAddress() = %s", got)
	}
}
