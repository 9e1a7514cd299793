package defaults

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	envDataRoot = "VPSMESH_DATA_ROOT"

	defaultLinuxDataRoot  = ".local/share/vpsmesh"
	defaultDarwinDataRoot = "Library/Application Support/vpsmesh"

	SSHPort = 22
)

// DataRoot is where local state lives: the metadata database, the secret
// store, known_hosts and exported client configs.
func DataRoot() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envDataRoot)); fromEnv != "" {
		return fromEnv
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".vpsmesh")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, defaultDarwinDataRoot)
	}
	return filepath.Join(home, defaultLinuxDataRoot)
}

// EnsureDataRoot creates dir with owner-only permissions.
func EnsureDataRoot(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("data root is empty")
	}
	return os.MkdirAll(dir, 0o700)
}

func DBPath(root string) string {
	return filepath.Join(root, "vpsmesh.db")
}

func SecretsPath(root string) string {
	return filepath.Join(root, "secrets.db")
}

func KnownHostsPath(root string) string {
	return filepath.Join(root, "known_hosts")
}

// ExportDir is where client configs are written.
func ExportDir(root string) string {
	return filepath.Join(root, "tunnels")
}

// RunDir holds the wg-quick configs of tunnels brought up on this machine.
func RunDir(root string) string {
	return filepath.Join(root, "run")
}

// InterfaceName returns a local wg-quick interface name for an endpoint.
// Interface names are limited to 15 bytes, so the endpoint is hashed.
func InterfaceName(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	if e == "" {
		e = "default"
	}
	return fmt.Sprintf("vpsm%06d", hashMod(e, 1_000_000))
}

func hashMod(s string, m uint32) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32() % m
}
