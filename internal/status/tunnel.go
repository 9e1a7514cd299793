package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vpsmesh/pkg/sdk/defaults"
)

// Runner runs a command with the privileges needed to manage interfaces.
type Runner func(ctx context.Context, name string, args ...string) error

// Local manages client tunnels on this machine. wg-quick names the interface
// after the config file, so each tunnel gets a short interface name and its
// config is staged under Dir as <iface>.conf.
type Local struct {
	Dir     string
	Run     Runner
	Tracker *Tracker
}

func (l *Local) confPath(iface string) string {
	return filepath.Join(l.Dir, iface+".conf")
}

// Up brings the tunnel for endpoint up from config and returns the interface
// name.
func (l *Local) Up(ctx context.Context, endpoint string, config []byte) (string, error) {
	iface := defaults.InterfaceName(endpoint)
	if err := defaults.EnsureDataRoot(l.Dir); err != nil {
		return "", fmt.Errorf("create tunnel directory: %w", err)
	}
	path := l.confPath(iface)
	if err := os.WriteFile(path, config, 0o600); err != nil {
		return "", fmt.Errorf("stage tunnel config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("stage tunnel config: %w", err)
	}
	if err := l.Run(ctx, "wg-quick", "up", path); err != nil {
		return "", err
	}
	if l.Tracker != nil {
		l.Tracker.Set(iface)
	}
	return iface, nil
}

// Down stops the tunnel for endpoint and removes its staged config.
func (l *Local) Down(ctx context.Context, endpoint string) error {
	iface := defaults.InterfaceName(endpoint)
	path := l.confPath(iface)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("tunnel %s is not staged: %w", iface, err)
	}
	if err := l.Run(ctx, "wg-quick", "down", path); err != nil {
		return err
	}
	_ = os.Remove(path)
	if l.Tracker != nil {
		if active, ok := l.Tracker.Active(); ok && active == iface {
			l.Tracker.Clear()
		}
	}
	return nil
}
