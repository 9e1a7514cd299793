// Package hosts stores the endpoints this machine has provisioned and which
// one commands act on by default.
package hosts

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"vpsmesh/pkg/sdk/defaults"

	"gopkg.in/yaml.v3"
)

const (
	envConfig = "VPSMESH_CONFIG"
	envHost   = "VPSMESH_HOST"
)

// Host is one remote endpoint and the credentials used to reach it.
type Host struct {
	Address string `yaml:"address"`
	User    string `yaml:"user,omitempty"`
	KeyFile string `yaml:"ssh_key_file,omitempty"`
	Port    int    `yaml:"ssh_port,omitempty"`
	Egress  string `yaml:"egress,omitempty"`
}

func (h Host) Validate() error {
	if _, err := netip.ParseAddr(strings.TrimSpace(h.Address)); err != nil {
		return fmt.Errorf("address %q is not an IP address", h.Address)
	}
	if strings.TrimSpace(h.KeyFile) == "" {
		return fmt.Errorf("ssh_key_file is required")
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("ssh_port %d out of range", h.Port)
	}
	return nil
}

// Addr parses Address.
func (h Host) Addr() (netip.Addr, error) {
	return netip.ParseAddr(strings.TrimSpace(h.Address))
}

// SSHPort returns Port or the default SSH port.
func (h Host) SSHPort() int {
	if h.Port == 0 {
		return defaults.SSHPort
	}
	return h.Port
}

type Config struct {
	CurrentHost string          `yaml:"current_host,omitempty"`
	Hosts       map[string]Host `yaml:"hosts,omitempty"`

	path string
}

func DefaultPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envConfig)); fromEnv != "" {
		return fromEnv
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return filepath.Join(".config", "vpsmesh", "config.yaml")
		}
		return filepath.Join(home, ".config", "vpsmesh", "config.yaml")
	}
	return filepath.Join(dir, "vpsmesh", "config.yaml")
}

func LoadDefault() (*Config, error) {
	return Load(DefaultPath())
}

// Load reads path. A missing or empty file yields an empty config.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}

	cfg := &Config{path: path, Hosts: map[string]Host{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]Host{}
	}
	for name, h := range cfg.Hosts {
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("config file %q: host %q: %w", path, name, err)
		}
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the config atomically with owner-only permissions.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.path) == "" {
		c.path = DefaultPath()
	}
	if c.Hosts == nil {
		c.Hosts = map[string]Host{}
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory %q: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config file %q: %w", c.path, err)
	}
	return nil
}

func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Current resolves the default host: $VPSMESH_HOST, then current_host, then
// the first host by name.
func (c *Config) Current() (string, Host, bool) {
	if c == nil || len(c.Hosts) == 0 {
		return "", Host{}, false
	}
	if override := strings.TrimSpace(os.Getenv(envHost)); override != "" {
		if h, ok := c.Lookup(override); ok {
			return override, h, true
		}
	}
	if name := strings.TrimSpace(c.CurrentHost); name != "" {
		if h, ok := c.Hosts[name]; ok {
			return name, h, true
		}
	}
	names := c.Names()
	if len(names) == 0 {
		return "", Host{}, false
	}
	return names[0], c.Hosts[names[0]], true
}

// Lookup finds a host by name or by address.
func (c *Config) Lookup(nameOrAddr string) (Host, bool) {
	if c == nil {
		return Host{}, false
	}
	key := strings.TrimSpace(nameOrAddr)
	if key == "" {
		return Host{}, false
	}
	if h, ok := c.Hosts[key]; ok {
		return h, true
	}
	for _, name := range c.Names() {
		if h := c.Hosts[name]; strings.TrimSpace(h.Address) == key {
			return h, true
		}
	}
	return Host{}, false
}

func (c *Config) Upsert(name string, h Host) {
	if c.Hosts == nil {
		c.Hosts = map[string]Host{}
	}
	c.Hosts[strings.TrimSpace(name)] = h
}

// Delete removes a host and clears current_host if it pointed there.
func (c *Config) Delete(name string) {
	if c == nil || c.Hosts == nil {
		return
	}
	name = strings.TrimSpace(name)
	delete(c.Hosts, name)
	if c.CurrentHost == name {
		c.CurrentHost = ""
	}
}

func (c *Config) Names() []string {
	if c == nil || len(c.Hosts) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
