package wireguard

import (
	"bufio"
	"fmt"
	"net/netip"
	"path"
	"strings"

	"vpsmesh/internal/remote"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	ConfigDir  = "/etc/wireguard"
	RosterPath = ConfigDir + "/peers.json"
	sshdConfig = "/etc/ssh/sshd_config"
)

// Commands builds the remote command lines that drive the wg daemon. Sudo is
// set when the session does not run as root.
type Commands struct {
	Interface string
	Sudo      bool
}

// NewCommands returns builders for iface, prefixing sudo when privileged is
// false.
func NewCommands(iface string, privileged bool) Commands {
	if iface == "" {
		iface = DefaultInterface
	}
	return Commands{Interface: iface, Sudo: !privileged}
}

func (c Commands) cmd(name string, args ...string) remote.Cmd {
	return remote.Command(name, args...).Sudo(c.Sudo)
}

// ConfigPath is the wg-quick config file for the interface.
func (c Commands) ConfigPath() string {
	return path.Join(ConfigDir, c.Interface+".conf")
}

// Installed exits zero when the wg tool is on PATH.
func (c Commands) Installed() string {
	return remote.Command("command", "-v", "wg").String()
}

// Install installs the wireguard package through apt.
func (c Commands) Install() string {
	return remote.Chain(
		c.cmd("apt-get", "update"),
		c.cmd("env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y", "wireguard"),
	)
}

// EnsureConfigDir creates the private config directory.
func (c Commands) EnsureConfigDir() string {
	return c.cmd("install", "-d", "-m", "0700", ConfigDir).String()
}

// Exists exits zero when p exists.
func (c Commands) Exists(p string) string {
	return c.cmd("test", "-e", p).String()
}

// ReadFile prints p.
func (c Commands) ReadFile(p string) string {
	return c.cmd("cat", p).String()
}

// IsUp exits zero when the interface exists.
func (c Commands) IsUp() string {
	return c.cmd("ip", "link", "show", "dev", c.Interface).String()
}

func (c Commands) ShowPublicKey() string {
	return c.cmd("wg", "show", c.Interface, "public-key").String()
}

func (c Commands) ShowAllowedIPs() string {
	return c.cmd("wg", "show", c.Interface, "allowed-ips").String()
}

// SetPeer adds or updates a peer so that it routes exactly prefix.
func (c Commands) SetPeer(key wgtypes.Key, prefix netip.Prefix) remote.Cmd {
	return c.cmd("wg", "set", c.Interface, "peer", key.String(), "allowed-ips", prefix.String())
}

func (c Commands) RemovePeer(key wgtypes.Key) remote.Cmd {
	return c.cmd("wg", "set", c.Interface, "peer", key.String(), "remove")
}

// Save writes the running peer set back into the config file.
func (c Commands) Save() remote.Cmd {
	return c.cmd("wg-quick", "save", c.Interface)
}

func (c Commands) Up() string {
	return c.cmd("wg-quick", "up", c.Interface).String()
}

func (c Commands) Down() string {
	return c.cmd("wg-quick", "down", c.Interface).String()
}

// Enable makes the interface come up on boot.
func (c Commands) Enable() string {
	return c.cmd("systemctl", "enable", "wg-quick@"+c.Interface).String()
}

// Teardown stops the interface if it is up and removes all config and roster
// files.
func (c Commands) Teardown() string {
	return remote.Tolerate(c.cmd("wg-quick", "down", c.Interface)) + " && " + c.cmd("rm", "-rf", ConfigDir).String()
}

// HardenSSH disables password and challenge-response logins and restarts sshd
// in the background so the current session survives.
func (c Commands) HardenSSH() string {
	return remote.Chain(
		c.cmd("sed", "-i", `s/^#\?PasswordAuthentication .*/PasswordAuthentication no/`, sshdConfig),
		c.cmd("sed", "-i", `s/^#\?ChallengeResponseAuthentication .*/ChallengeResponseAuthentication no/`, sshdConfig),
		c.cmd("sh", "-c", "(sleep 1 && systemctl restart ssh) >/dev/null 2>&1 &"),
	)
}

// ParseAllowedIPs reads the output of `wg show <iface> allowed-ips`: one peer
// per line, the key followed by its prefixes or "(none)".
func ParseAllowedIPs(out string) (map[wgtypes.Key][]netip.Prefix, error) {
	peers := make(map[wgtypes.Key][]netip.Prefix)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		key, err := wgtypes.ParseKey(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse peer key %q: %w", fields[0], err)
		}
		prefixes := []netip.Prefix{}
		for _, f := range fields[1:] {
			if f == "(none)" {
				continue
			}
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("parse allowed ip %q for peer %s: %w", f, key, err)
			}
			prefixes = append(prefixes, p)
		}
		peers[key] = prefixes
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read allowed ips: %w", err)
	}
	return peers, nil
}
