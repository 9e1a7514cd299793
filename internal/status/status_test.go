package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vpsmesh/pkg/sdk/defaults"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type fakeOracle map[string]bool

func (f fakeOracle) IsActive(name string) bool { return f[name] }

type fakeDevices struct {
	devices map[string]*wgtypes.Device
	closed  bool
}

func (f *fakeDevices) Device(name string) (*wgtypes.Device, error) {
	d, ok := f.devices[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return d, nil
}

func (f *fakeDevices) Close() error {
	f.closed = true
	return nil
}

func testOracle(devs *fakeDevices, links map[string]bool) *WGOracle {
	return &WGOracle{
		open: func() (deviceClient, error) { return devs, nil },
		linkUp: func(name string) (bool, error) {
			up, ok := links[name]
			if !ok {
				return false, errors.New("unknown link")
			}
			return up, nil
		},
		resolve: func(name string) string { return name },
	}
}

func TestWGOracle(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	devs := &fakeDevices{devices: map[string]*wgtypes.Device{
		"vpsm000001": {Name: "vpsm000001", PublicKey: key.PublicKey()},
		"vpsm000002": {Name: "vpsm000002", PublicKey: key.PublicKey()},
		"vpsm000003": {Name: "vpsm000003"},
	}}
	o := testOracle(devs, map[string]bool{"vpsm000001": true, "vpsm000002": false})

	tests := []struct {
		name string
		want bool
	}{
		{name: "vpsm000001", want: true},
		{name: "vpsm000002", want: false}, // link down
		{name: "vpsm000003", want: false}, // no key configured
		{name: "vpsm000004", want: false}, // no device
		{name: " ", want: false},
	}
	for _, tt := range tests {
		if got := o.IsActive(tt.name); got != tt.want {
			t.Errorf("IsActive(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if !devs.closed {
		t.Error("wgctrl client not closed")
	}
}

func TestWGOracleOpenFailure(t *testing.T) {
	o := &WGOracle{
		open:    func() (deviceClient, error) { return nil, errors.New("permission denied") },
		linkUp:  func(string) (bool, error) { return true, nil },
		resolve: func(name string) string { return name },
	}
	if o.IsActive("vpsm000001") {
		t.Fatal("IsActive() = true without a wgctrl client")
	}
}

func TestTrackerSync(t *testing.T) {
	var tr Tracker
	if _, ok := tr.Active(); ok {
		t.Fatal("new tracker reports an active tunnel")
	}

	got, ok := tr.Sync(fakeOracle{"b": true}, []string{"a", "b", "c"})
	if !ok || got != "b" {
		t.Fatalf("Sync() = %q, %v, want b", got, ok)
	}
	if active, _ := tr.Active(); active != "b" {
		t.Fatalf("Active() = %q, want b", active)
	}

	if _, ok := tr.Sync(fakeOracle{}, []string{"a", "b"}); ok {
		t.Fatal("Sync() found a tunnel when none is running")
	}
	if _, ok := tr.Active(); ok {
		t.Fatal("stale tunnel not cleared")
	}
}

func TestLocalUpDown(t *testing.T) {
	var calls []string
	tr := &Tracker{}
	l := &Local{
		Dir: filepath.Join(t.TempDir(), "run"),
		Run: func(_ context.Context, name string, args ...string) error {
			calls = append(calls, name+" "+strings.Join(args, " "))
			return nil
		},
		Tracker: tr,
	}
	const endpoint = "203.0.113.7"
	iface, err := l.Up(context.Background(), endpoint, []byte("[Interface]\n"))
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if iface != defaults.InterfaceName(endpoint) {
		t.Fatalf("Up() iface = %q", iface)
	}
	path := filepath.Join(l.Dir, iface+".conf")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("staged config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("staged config mode = %v", info.Mode().Perm())
	}
	if active, _ := tr.Active(); active != iface {
		t.Fatalf("tracker = %q, want %q", active, iface)
	}

	if err := l.Down(context.Background(), endpoint); err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("staged config not removed")
	}
	if _, ok := tr.Active(); ok {
		t.Fatal("tracker not cleared")
	}
	want := []string{"wg-quick up " + path, "wg-quick down " + path}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v, want %v", calls, want)
	}

	if err := l.Down(context.Background(), endpoint); err == nil {
		t.Fatal("Down() on an unstaged tunnel error = nil")
	}
}

func TestLocalUpFailureKeepsTrackerEmpty(t *testing.T) {
	tr := &Tracker{}
	l := &Local{
		Dir:     t.TempDir(),
		Run:     func(context.Context, string, ...string) error { return errors.New("sudo: a password is required") },
		Tracker: tr,
	}
	if _, err := l.Up(context.Background(), "203.0.113.7", nil); err == nil {
		t.Fatal("Up() error = nil")
	}
	if _, ok := tr.Active(); ok {
		t.Fatal("tracker set after failed Up")
	}
}
