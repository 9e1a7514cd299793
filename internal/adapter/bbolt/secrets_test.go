package bbolt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vpsmesh/internal/mesh"
)

func openTestStore(t *testing.T) (*SecretStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestSecretStore_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	id := mesh.SecretIdentity("203.0.113.7")

	if _, err := store.Load(id); !errors.Is(err, mesh.ErrSecretNotFound) {
		t.Fatalf("Load before Store: got %v, want ErrSecretNotFound", err)
	}
	if err := store.Store(id, "cGFzc3dvcmQ="); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "cGFzc3dvcmQ=" {
		t.Fatalf("Load: got %q", got)
	}

	if err := store.Store(id, "bmV3"); err != nil {
		t.Fatalf("Store overwrite: %v", err)
	}
	if got, _ := store.Load(id); got != "bmV3" {
		t.Fatalf("Load after overwrite: got %q", got)
	}

	ids, err := store.Identities()
	if err != nil {
		t.Fatalf("Identities: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("Identities: got %v", ids)
	}

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(id); !errors.Is(err, mesh.ErrSecretNotFound) {
		t.Fatalf("Load after Delete: got %v", err)
	}
	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestSecretStore_FileMode(t *testing.T) {
	_, path := openTestStore(t)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSecretStore_RequiresIdentity(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Store("  ", "x"); err == nil {
		t.Fatal("Store with blank identity succeeded")
	}
}

func TestSecretStore_PersistsAcrossOpen(t *testing.T) {
	store, path := openTestStore(t)
	if err := store.Store("priv_key_198.51.100.4", "a2V5"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got, err := reopened.Load("priv_key_198.51.100.4"); err != nil || got != "a2V5" {
		t.Fatalf("Load after reopen: %q, %v", got, err)
	}
}
