package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"vpsmesh/internal/remote"
	"vpsmesh/internal/remote/remotetest"
	"vpsmesh/internal/roster"
	"vpsmesh/internal/wireguard"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	return k.PublicKey()
}

func prefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func newState(t *testing.T, n int) *roster.State {
	t.Helper()
	st := roster.New(testKey(t).String(), netip.MustParseAddr("203.0.113.10"), testNow)
	for i := 0; i < n; i++ {
		err := st.Append(roster.Peer{
			Name:      fmt.Sprintf("peer-%d", i),
			PublicKey: testKey(t).String(),
			Address:   netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", i+2)),
			CreatedAt: testNow,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func mustKey(t *testing.T, p roster.Peer) wgtypes.Key {
	t.Helper()
	k, err := p.Key()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func newTestHost(t *testing.T) *remotetest.Host {
	t.Helper()
	h := remotetest.NewHost("203.0.113.10:22", true)
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	h.StartDaemon("wg0", priv)
	h.WriteFile("/etc/wireguard/wg0.conf", []byte("[Interface]\nPrivateKey = "+priv.String()+"\n"))
	return h
}

func newTestReconciler() *Reconciler {
	r := New(wireguard.NewCommands("wg0", true))
	r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return r
}

func TestBuildPlan(t *testing.T) {
	st := newState(t, 3)
	k0, k1, k2 := mustKey(t, st.Peers[0]), mustKey(t, st.Peers[1]), mustKey(t, st.Peers[2])
	orphan := testKey(t)

	tests := []struct {
		name          string
		live          map[wgtypes.Key][]netip.Prefix
		wantRemove    int
		wantUpsert    []string
		wantUnchanged int
	}{
		{
			name:       "empty daemon",
			live:       map[wgtypes.Key][]netip.Prefix{},
			wantUpsert: []string{"peer-0", "peer-1", "peer-2"},
		},
		{
			name: "in sync",
			live: map[wgtypes.Key][]netip.Prefix{
				k0: {prefix("10.0.0.2/32")}, k1: {prefix("10.0.0.3/32")}, k2: {prefix("10.0.0.4/32")},
			},
			wantUnchanged: 3,
		},
		{
			name: "orphan and wrong address",
			live: map[wgtypes.Key][]netip.Prefix{
				k0:     {prefix("10.0.0.2/32")},
				k1:     {prefix("10.0.0.99/32")},
				k2:     {prefix("10.0.0.4/32"), prefix("10.0.1.0/24")},
				orphan: {prefix("10.0.0.50/32")},
			},
			wantRemove:    1,
			wantUpsert:    []string{"peer-1", "peer-2"},
			wantUnchanged: 1,
		},
		{
			name: "peer without allowed ips",
			live: map[wgtypes.Key][]netip.Prefix{
				k0: {}, k1: {prefix("10.0.0.3/32")}, k2: {prefix("10.0.0.4/32")},
			},
			wantUpsert:    []string{"peer-0"},
			wantUnchanged: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(tt.live, st)
			if err != nil {
				t.Fatalf("BuildPlan() error = %v", err)
			}
			if len(plan.Remove) != tt.wantRemove {
				t.Errorf("Remove = %v, want %d", plan.Remove, tt.wantRemove)
			}
			var names []string
			for _, u := range plan.Upsert {
				names = append(names, u.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.wantUpsert, ",") {
				t.Errorf("Upsert = %v, want %v", names, tt.wantUpsert)
			}
			if plan.Unchanged != tt.wantUnchanged {
				t.Errorf("Unchanged = %d, want %d", plan.Unchanged, tt.wantUnchanged)
			}
		})
	}
}

func TestReconcileConverges(t *testing.T) {
	h := newTestHost(t)
	st := newState(t, 3)
	orphanA, orphanB := testKey(t), testKey(t)
	h.AddLivePeer("wg0", orphanA, prefix("10.0.0.60/32"))
	h.AddLivePeer("wg0", orphanB, prefix("10.0.0.61/32"))
	h.AddLivePeer("wg0", mustKey(t, st.Peers[0]), prefix("10.0.0.200/32"))

	report, err := newTestReconciler().Reconcile(context.Background(), h.Channel(), st)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(report.Removed) != 2 || len(report.Upserted) != 3 {
		t.Fatalf("Reconcile() report = %+v", report)
	}

	live := h.LivePeers("wg0")
	if len(live) != len(st.Peers) {
		t.Fatalf("live peers = %d, want %d", len(live), len(st.Peers))
	}
	for _, p := range st.Peers {
		got := live[mustKey(t, p)]
		if len(got) != 1 || got[0] != p.Prefix() {
			t.Fatalf("peer %s live allowed ips = %v, want %s", p.Name, got, p.Prefix())
		}
	}
}

func TestReconcileSingleBatch(t *testing.T) {
	h := newTestHost(t)
	st := newState(t, 5)
	h.AddLivePeer("wg0", testKey(t), prefix("10.0.0.77/32"))

	if _, err := newTestReconciler().Reconcile(context.Background(), h.Channel(), st); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	var batches []string
	for _, line := range h.Executed() {
		if strings.Contains(line, "wg set") {
			batches = append(batches, line)
		}
	}
	if len(batches) != 1 {
		t.Fatalf("got %d mutating remote invocations, want 1: %v", len(batches), batches)
	}
	if !strings.HasSuffix(batches[0], "&& wg-quick save wg0") {
		t.Fatalf("batch does not end with a save: %q", batches[0])
	}
}

func TestReconcileIdempotent(t *testing.T) {
	h := newTestHost(t)
	st := newState(t, 4)
	r := newTestReconciler()
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, h.Channel(), st); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	h.ResetLog()

	report, err := r.Reconcile(ctx, h.Channel(), st)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if report.Changed() {
		t.Fatalf("second Reconcile() changed peers: %+v", report)
	}
	if m := h.Mutations(); len(m) != 0 {
		t.Fatalf("second Reconcile() mutated the daemon: %v", m)
	}
}

func TestReconcileBatchFailure(t *testing.T) {
	h := newTestHost(t)
	st := newState(t, 1)
	h.FailOnce("wg set", 1, "Unable to modify interface: Operation not permitted")

	_, err := newTestReconciler().Reconcile(context.Background(), h.Channel(), st)
	var cmdErr *remote.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Reconcile() error = %v, want *remote.CommandError", err)
	}
	if !strings.Contains(cmdErr.Result.Output(), "Operation not permitted") {
		t.Fatalf("captured output = %q", cmdErr.Result.Output())
	}

	// The roster is unchanged, so a retry catches up.
	if _, err := newTestReconciler().Reconcile(context.Background(), h.Channel(), st); err != nil {
		t.Fatalf("retry Reconcile() error = %v", err)
	}
	if len(h.LivePeers("wg0")) != 1 {
		t.Fatal("retry did not converge")
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	h := newTestHost(t)
	st := newState(t, 2)
	h.Freeze(true)

	_, err := newTestReconciler().Reconcile(context.Background(), h.Channel(), st)
	var drift *DriftError
	if !errors.As(err, &drift) {
		t.Fatalf("Reconcile() error = %v, want *DriftError", err)
	}
	if len(drift.Remaining.Upsert) != 2 {
		t.Fatalf("remaining upserts = %d, want 2", len(drift.Remaining.Upsert))
	}
}

func TestReconcileEmptyRosterRemovesEverything(t *testing.T) {
	h := newTestHost(t)
	h.AddLivePeer("wg0", testKey(t), prefix("10.0.0.2/32"))
	st := newState(t, 0)

	if _, err := newTestReconciler().Reconcile(context.Background(), h.Channel(), st); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if n := len(h.LivePeers("wg0")); n != 0 {
		t.Fatalf("live peers = %d, want 0", n)
	}
}
