//go:build !linux

package status

import (
	"os"
	"path/filepath"
	"strings"
)

// wg-quick on other systems runs a userspace tunnel on a kernel-chosen utun
// device and records the real name here.
const wgRunDir = "/var/run/wireguard"

func linkUp(string) (bool, error) {
	return true, nil
}

func resolveInterface(name string) string {
	data, err := os.ReadFile(filepath.Join(wgRunDir, name+".name"))
	if err != nil {
		return name
	}
	if real := strings.TrimSpace(string(data)); real != "" {
		return real
	}
	return name
}
