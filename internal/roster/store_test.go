package roster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vpsmesh/internal/remote"
	"vpsmesh/internal/remote/remotetest"
	"vpsmesh/internal/wireguard"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newTestHost(t *testing.T, root bool) (*remotetest.Host, wgtypes.Key) {
	t.Helper()
	h := remotetest.NewHost("203.0.113.10:22", root)
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	h.StartDaemon("wg0", priv)
	h.WriteFile("/etc/wireguard/wg0.conf", []byte("[Interface]\nPrivateKey = "+priv.String()+"\n"))
	return h, priv
}

func newTestStore(root bool) *Store {
	s := NewStore(wireguard.NewCommands("wg0", root), testSubnet)
	s.Now = func() time.Time { return testNow }
	return s
}

func TestLoadOrInitFresh(t *testing.T) {
	h, priv := newTestHost(t, true)
	s := newTestStore(true)

	st, err := s.LoadOrInit(context.Background(), h.Channel(), testServer)
	if err != nil {
		t.Fatalf("LoadOrInit() error = %v", err)
	}
	if st.ServerPublicKey != priv.PublicKey().String() {
		t.Fatalf("ServerPublicKey = %q, want daemon key", st.ServerPublicKey)
	}
	if st.ServerAddress != testServer || len(st.Peers) != 0 || st.Revision != 0 {
		t.Fatalf("LoadOrInit() = %+v", st)
	}
	if len(h.Mutations()) != 0 {
		t.Fatalf("LoadOrInit() mutated the host: %v", h.Mutations())
	}
}

func TestLoadOrInitWithoutDaemon(t *testing.T) {
	h := remotetest.NewHost("203.0.113.10:22", true)
	h.SetInstalled(true)
	h.WriteFile("/etc/wireguard/wg0.conf", []byte(""))

	_, err := newTestStore(true).LoadOrInit(context.Background(), h.Channel(), testServer)
	if err == nil {
		t.Fatal("LoadOrInit() invented a server key without a daemon")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	h, _ := newTestHost(t, true)
	s := newTestStore(true)
	ctx := context.Background()
	ch := h.Channel()

	st, err := s.LoadOrInit(ctx, ch, testServer)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []Peer{testPeer(t, "zed", "10.0.0.2"), testPeer(t, "<amp&>", "10.0.0.3"), testPeer(t, "alice", "10.0.0.4")} {
		if err := st.Append(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Save(ctx, ch, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if st.Revision != 1 {
		t.Fatalf("Revision = %d after save, want 1", st.Revision)
	}

	got, err := s.LoadOrInit(ctx, ch, testServer)
	if err != nil {
		t.Fatalf("LoadOrInit() error = %v", err)
	}
	if diff := cmp.Diff(st, got, addrComparer); diff != "" {
		t.Fatalf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
	if mode := h.FileMode(wireguard.RosterPath); mode != 0o600 {
		t.Fatalf("roster mode = %o, want 600", mode)
	}
}

func TestRosterNeverContainsPrivateKeys(t *testing.T) {
	h, serverPriv := newTestHost(t, true)
	s := newTestStore(true)
	ctx := context.Background()
	ch := h.Channel()

	st, err := s.LoadOrInit(ctx, ch, testServer)
	if err != nil {
		t.Fatal(err)
	}
	kp, err := wireguard.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Append(Peer{Name: "a", PublicKey: kp.Public.String(), Address: testSubnet.Addr().Next().Next(), CreatedAt: testNow})
	if err := s.Save(ctx, ch, st); err != nil {
		t.Fatal(err)
	}
	doc, _ := h.ReadFile(wireguard.RosterPath)
	for _, secret := range []string{kp.Private.String(), serverPriv.String()} {
		if strings.Contains(string(doc), secret) {
			t.Fatal("roster document contains a private key")
		}
	}
}

func TestLoadCorrupt(t *testing.T) {
	for _, doc := range []string{
		"{not json",
		`{"peers": [}`,
		`{"revision": 1} trailing`,
		`{"peers":[{"address":"not-an-ip"}]}`,
		`null`,
		`{}`,
		`{"revision":1,"server_public_key":"not-a-key","peers":[]}`,
	} {
		h, _ := newTestHost(t, true)
		h.WriteFile(wireguard.RosterPath, []byte(doc))

		_, err := newTestStore(true).LoadOrInit(context.Background(), h.Channel(), testServer)
		var corrupt *CorruptionError
		if !errors.As(err, &corrupt) {
			t.Fatalf("LoadOrInit(%q) error = %v, want *CorruptionError", doc, err)
		}
		if got, _ := h.ReadFile(wireguard.RosterPath); string(got) != doc {
			t.Fatalf("corrupt roster was rewritten to %q", got)
		}
	}
}

func TestLoadBlankIsAbsent(t *testing.T) {
	h, _ := newTestHost(t, true)
	h.WriteFile(wireguard.RosterPath, []byte("  \n"))

	s := newTestStore(true)
	if _, err := s.Load(context.Background(), h.Channel()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
	st, err := s.LoadOrInit(context.Background(), h.Channel(), testServer)
	if err != nil || len(st.Peers) != 0 {
		t.Fatalf("LoadOrInit() = %+v, %v", st, err)
	}
}

func TestLoadReportsFailedExistenceCheck(t *testing.T) {
	h, _ := newTestHost(t, true)
	h.FailOnce("test", 1, "sudo: a password is required")

	_, err := newTestStore(true).Load(context.Background(), h.Channel())
	if errors.Is(err, ErrNotFound) {
		t.Fatal("Load() reported a failed existence check as ErrNotFound")
	}
	var cmdErr *remote.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Load() error = %v, want *remote.CommandError", err)
	}
}

func TestSaveDetectsConcurrentWriter(t *testing.T) {
	h, _ := newTestHost(t, true)
	s := newTestStore(true)
	ctx := context.Background()

	first, err := s.LoadOrInit(ctx, h.Channel(), testServer)
	if err != nil {
		t.Fatal(err)
	}
	second := first.Clone()

	_ = first.Append(testPeer(t, "a", "10.0.0.2"))
	if err := s.Save(ctx, h.Channel(), first); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	_ = second.Append(testPeer(t, "b", "10.0.0.2"))
	if err := s.Save(ctx, h.Channel(), second); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Save() error = %v, want ErrConflict", err)
	}

	got, err := s.Load(ctx, h.Channel())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Peers) != 1 || got.Peers[0].Name != "a" {
		t.Fatalf("roster after conflict = %+v", got.Peers)
	}
}

func TestSaveFailureIsReported(t *testing.T) {
	h, _ := newTestHost(t, true)
	s := newTestStore(true)
	ctx := context.Background()

	st, err := s.LoadOrInit(ctx, h.Channel(), testServer)
	if err != nil {
		t.Fatal(err)
	}
	injected := errors.New("no space left on device")
	h.FailTransfers(injected)

	if err := s.Save(ctx, h.Channel(), st); !errors.Is(err, injected) {
		t.Fatalf("Save() error = %v, want %v", err, injected)
	}
	if st.Revision != 0 {
		t.Fatalf("Revision advanced to %d despite failed save", st.Revision)
	}
}

func TestSaveRejectsInvalidRoster(t *testing.T) {
	h, _ := newTestHost(t, true)
	s := newTestStore(true)
	st := New(testPubKey(t), testServer, testNow)
	st.Peers = []Peer{testPeer(t, "a", "10.0.0.2"), testPeer(t, "b", "10.0.0.2")}

	if err := s.Save(context.Background(), h.Channel(), st); err == nil {
		t.Fatal("Save() accepted duplicate addresses")
	}
	if _, ok := h.ReadFile(wireguard.RosterPath); ok {
		t.Fatal("invalid roster was written")
	}
}

func TestStoreUsesSudoForNonRoot(t *testing.T) {
	h, _ := newTestHost(t, false)
	s := newTestStore(false)
	ctx := context.Background()

	st, err := s.LoadOrInit(ctx, h.Channel(), testServer)
	if err != nil {
		t.Fatalf("LoadOrInit() error = %v", err)
	}
	if err := s.Save(ctx, h.Channel(), st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	for _, line := range h.Executed() {
		if !strings.HasPrefix(line, "sudo -n ") {
			t.Fatalf("command %q ran without sudo", line)
		}
	}
}
