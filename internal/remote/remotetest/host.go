// Package remotetest provides an in-memory remote host that understands the
// commands the provisioning engine sends.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"path"
	"sort"
	"strings"
	"sync"

	"vpsmesh/internal/remote"

	"github.com/mattn/go-shellwords"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrClosed is returned by a channel after Close.
var ErrClosed = errors.New("remotetest: channel closed")

type file struct {
	data []byte
	mode fs.FileMode
}

type daemon struct {
	up      bool
	private wgtypes.Key
	peers   map[wgtypes.Key][]netip.Prefix
}

type failure struct {
	prefix string
	result remote.Result
	once   bool
}

// Host simulates a Debian-like server with an optional wg daemon.
type Host struct {
	mu        sync.Mutex
	addr      string
	root      bool
	installed bool
	enabled   bool
	files     map[string]file
	dirs      map[string]bool
	wg        map[string]*daemon
	frozen    bool

	failures    []failure
	transferErr error
	channelErr  error

	executed  []string
	mutations []string
	dials     int
}

// NewHost returns a reachable host at addr with no wg installed. root selects
// whether sessions run as root or as a sudo-capable user.
func NewHost(addr string, root bool) *Host {
	return &Host{
		addr:  addr,
		root:  root,
		files: make(map[string]file),
		dirs:  map[string]bool{"/": true, "/etc": true, "/etc/ssh": true, "/tmp": true},
		wg:    make(map[string]*daemon),
	}
}

// Channel opens a new session on the host.
func (h *Host) Channel() *Channel {
	h.mu.Lock()
	h.dials++
	h.mu.Unlock()
	return &Channel{host: h}
}

// Dials counts opened channels.
func (h *Host) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// SetInstalled marks the wg tooling as present.
func (h *Host) SetInstalled(v bool) {
	h.mu.Lock()
	h.installed = v
	h.mu.Unlock()
}

// Enabled reports whether the wg-quick unit was enabled.
func (h *Host) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// WriteFile places content at p, creating parent directories.
func (h *Host) WriteFile(p string, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		h.dirs[d] = true
	}
	h.files[p] = file{data: append([]byte(nil), content...), mode: 0o600}
}

// ReadFile returns the content at p.
func (h *Host) ReadFile(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// FileMode returns the permission bits of p.
func (h *Host) FileMode(p string) fs.FileMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files[p].mode
}

// IsUp reports whether iface is running.
func (h *Host) IsUp(iface string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.wg[iface]
	return d != nil && d.up
}

// PublicKey returns the running interface's public key.
func (h *Host) PublicKey(iface string) (wgtypes.Key, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.wg[iface]
	if d == nil || !d.up {
		return wgtypes.Key{}, false
	}
	return d.private.PublicKey(), true
}

// LivePeers returns a copy of the running interface's peers.
func (h *Host) LivePeers(iface string) map[wgtypes.Key][]netip.Prefix {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[wgtypes.Key][]netip.Prefix)
	d := h.wg[iface]
	if d == nil {
		return out
	}
	for k, v := range d.peers {
		out[k] = append([]netip.Prefix(nil), v...)
	}
	return out
}

// StartDaemon brings iface up with priv, as if configured out of band.
func (h *Host) StartDaemon(iface string, priv wgtypes.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installed = true
	h.wg[iface] = &daemon{up: true, private: priv, peers: make(map[wgtypes.Key][]netip.Prefix)}
}

// AddLivePeer adds a peer to the running daemon without touching any file,
// like manual administration would.
func (h *Host) AddLivePeer(iface string, key wgtypes.Key, prefixes ...netip.Prefix) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d := h.wg[iface]; d != nil {
		d.peers[key] = prefixes
	}
}

// Freeze makes `wg set` report success without changing the daemon.
func (h *Host) Freeze(v bool) {
	h.mu.Lock()
	h.frozen = v
	h.mu.Unlock()
}

// FailOnce makes the next command whose argv starts with prefix exit with
// code and stderr. The sudo prefix is ignored when matching.
func (h *Host) FailOnce(prefix string, code int, stderr string) {
	h.addFailure(prefix, code, stderr, true)
}

// FailAlways is FailOnce for every matching command.
func (h *Host) FailAlways(prefix string, code int, stderr string) {
	h.addFailure(prefix, code, stderr, false)
}

func (h *Host) addFailure(prefix string, code int, stderr string, once bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{
		prefix: prefix,
		result: remote.Result{Stderr: stderr, ExitCode: code},
		once:   once,
	})
}

// FailTransfers makes every Transfer return err.
func (h *Host) FailTransfers(err error) {
	h.mu.Lock()
	h.transferErr = err
	h.mu.Unlock()
}

// BreakChannel makes every Execute return err as a channel failure.
func (h *Host) BreakChannel(err error) {
	h.mu.Lock()
	h.channelErr = err
	h.mu.Unlock()
}

// Executed returns every command line received, in order.
func (h *Host) Executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

// Mutations returns the state-changing commands and transfers applied so far.
func (h *Host) Mutations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.mutations...)
}

// ResetLog clears Executed and Mutations.
func (h *Host) ResetLog() {
	h.mu.Lock()
	h.executed = nil
	h.mutations = nil
	h.mu.Unlock()
}

// Channel is a session on a Host.
type Channel struct {
	host   *Host
	mu     sync.Mutex
	closed bool
}

var _ remote.Channel = (*Channel)(nil)

func (c *Channel) Target() string { return c.host.addr }

func (c *Channel) Privileged() bool { return c.host.root }

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Execute(ctx context.Context, command string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	if c.isClosed() {
		return remote.Result{}, ErrClosed
	}
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channelErr != nil {
		return remote.Result{}, h.channelErr
	}
	h.executed = append(h.executed, command)
	return h.runLine(command)
}

func (c *Channel) Transfer(ctx context.Context, p string, content []byte, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transferErr != nil {
		return h.transferErr
	}
	if !h.dirs[path.Dir(p)] {
		return fmt.Errorf("transfer %s: %w", p, &remote.CommandError{
			Command: "transfer " + p,
			Result:  remote.Result{Stderr: "No such file or directory", ExitCode: 1},
		})
	}
	h.files[p] = file{data: append([]byte(nil), content...), mode: mode}
	h.mutations = append(h.mutations, "transfer "+p)
	return nil
}

// runLine evaluates a chain of simple commands joined by && and ||.
func (h *Host) runLine(line string) (remote.Result, error) {
	var (
		out  remote.Result
		last = 0
		skip = false
		rest = line
	)
	for {
		parser := shellwords.NewParser()
		args, err := parser.Parse(rest)
		if err != nil {
			return remote.Result{}, fmt.Errorf("remotetest: parse %q: %w", line, err)
		}
		if !skip && len(args) > 0 {
			res := h.run(args)
			out.Stdout += res.Stdout
			out.Stderr += res.Stderr
			last = res.ExitCode
		}
		if parser.Position < 0 {
			break
		}
		op := rest[parser.Position:]
		switch {
		case strings.HasPrefix(op, "&&"):
			skip = last != 0
			rest = op[2:]
		case strings.HasPrefix(op, "||"):
			skip = last == 0
			rest = op[2:]
		default:
			return remote.Result{}, fmt.Errorf("remotetest: unsupported operator in %q", line)
		}
	}
	out.ExitCode = last
	return out, nil
}

func (h *Host) run(args []string) remote.Result {
	sudo := false
	if len(args) >= 2 && args[0] == "sudo" && args[1] == "-n" {
		sudo = true
		args = args[2:]
	}
	joined := strings.Join(args, " ")
	for i, f := range h.failures {
		if strings.HasPrefix(joined, f.prefix) {
			if f.once {
				h.failures = append(h.failures[:i], h.failures[i+1:]...)
			}
			return f.result
		}
	}
	if len(args) == 0 {
		return remote.Result{}
	}

	switch args[0] {
	case "uname":
		return remote.Result{Stdout: "Linux\n"}
	case "true":
		return remote.Result{}
	case "command":
		if len(args) == 3 && args[2] == "wg" && h.installed {
			return remote.Result{Stdout: "/usr/bin/wg\n"}
		}
		return remote.Result{ExitCode: 1}
	}

	if !h.root && !sudo {
		return fail(1, args[0]+": Operation not permitted")
	}

	switch args[0] {
	case "apt-get":
		return remote.Result{}
	case "env":
		if len(args) > 1 && strings.Contains(joined, "install -y wireguard") {
			h.installed = true
			h.mutations = append(h.mutations, joined)
		}
		return remote.Result{}
	case "install":
		h.dirs[args[len(args)-1]] = true
		return remote.Result{}
	case "test":
		p := args[len(args)-1]
		if _, ok := h.files[p]; ok || h.dirs[p] {
			return remote.Result{}
		}
		return remote.Result{ExitCode: 1}
	case "cat":
		f, ok := h.files[args[1]]
		if !ok {
			return fail(1, "cat: "+args[1]+": No such file or directory")
		}
		return remote.Result{Stdout: string(f.data)}
	case "rm":
		p := args[len(args)-1]
		h.mutations = append(h.mutations, joined)
		for name := range h.files {
			if name == p || strings.HasPrefix(name, strings.TrimSuffix(p, "/")+"/") {
				delete(h.files, name)
			}
		}
		for name := range h.dirs {
			if name == p || strings.HasPrefix(name, strings.TrimSuffix(p, "/")+"/") {
				delete(h.dirs, name)
			}
		}
		return remote.Result{}
	case "ip":
		iface := args[len(args)-1]
		if d := h.wg[iface]; d != nil && d.up {
			return remote.Result{Stdout: "4: " + iface + ": <POINTOPOINT,NOARP,UP,LOWER_UP>\n"}
		}
		return fail(1, `Device "`+iface+`" does not exist.`)
	case "systemctl":
		h.enabled = true
		h.mutations = append(h.mutations, joined)
		return remote.Result{}
	case "sed", "sh":
		h.mutations = append(h.mutations, joined)
		return remote.Result{}
	case "wg":
		if !h.installed {
			return fail(127, "wg: command not found")
		}
		return h.runWG(args[1:], joined)
	case "wg-quick":
		if !h.installed {
			return fail(127, "wg-quick: command not found")
		}
		return h.runWGQuick(args[1:], joined)
	}
	return fail(127, args[0]+": command not found")
}

func (h *Host) runWG(args []string, joined string) remote.Result {
	if len(args) < 2 {
		return fail(1, "Usage: wg <cmd> [<args>]")
	}
	iface := args[1]
	d := h.wg[iface]
	if d == nil || !d.up {
		return fail(1, "Unable to access interface: No such device")
	}
	switch {
	case args[0] == "show" && len(args) == 3 && args[2] == "public-key":
		return remote.Result{Stdout: d.private.PublicKey().String() + "\n"}
	case args[0] == "show" && len(args) == 3 && args[2] == "allowed-ips":
		keys := make([]wgtypes.Key, 0, len(d.peers))
		for k := range d.peers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		var b strings.Builder
		for _, k := range keys {
			ips := make([]string, 0, len(d.peers[k]))
			for _, p := range d.peers[k] {
				ips = append(ips, p.String())
			}
			if len(ips) == 0 {
				ips = []string{"(none)"}
			}
			fmt.Fprintf(&b, "%s\t%s\n", k, strings.Join(ips, " "))
		}
		return remote.Result{Stdout: b.String()}
	case args[0] == "set" && len(args) >= 5 && args[2] == "peer":
		key, err := wgtypes.ParseKey(args[3])
		if err != nil {
			return fail(1, "Key is not the correct length or format")
		}
		h.mutations = append(h.mutations, joined)
		if h.frozen {
			return remote.Result{}
		}
		switch args[4] {
		case "remove":
			delete(d.peers, key)
		case "allowed-ips":
			if len(args) < 6 {
				return fail(1, "missing allowed-ips")
			}
			var prefixes []netip.Prefix
			for _, s := range strings.Split(args[5], ",") {
				p, err := netip.ParsePrefix(strings.TrimSpace(s))
				if err != nil {
					return fail(1, "Unable to parse IP address: "+s)
				}
				prefixes = append(prefixes, p)
			}
			d.peers[key] = prefixes
		default:
			return fail(1, "unsupported wg set argument "+args[4])
		}
		return remote.Result{}
	}
	return fail(1, "unsupported wg invocation: "+joined)
}

func (h *Host) runWGQuick(args []string, joined string) remote.Result {
	if len(args) != 2 {
		return fail(1, "Usage: wg-quick [ up | down | save | strip ] [ CONFIG_FILE | INTERFACE ]")
	}
	iface := args[1]
	confPath := "/etc/wireguard/" + iface + ".conf"
	d := h.wg[iface]
	switch args[0] {
	case "up":
		if d != nil && d.up {
			return fail(1, "wg-quick: `"+iface+"' already exists")
		}
		f, ok := h.files[confPath]
		if !ok {
			return fail(1, "wg-quick: `"+confPath+"' does not exist")
		}
		nd, err := parseConf(string(f.data))
		if err != nil {
			return fail(1, err.Error())
		}
		nd.up = true
		h.wg[iface] = nd
	case "down":
		if d == nil || !d.up {
			return fail(1, "wg-quick: `"+iface+"' is not a WireGuard interface")
		}
		d.up = false
		d.peers = make(map[wgtypes.Key][]netip.Prefix)
	case "save":
		if d == nil || !d.up {
			return fail(1, "wg-quick: `"+iface+"' is not a WireGuard interface")
		}
		existing := string(h.files[confPath].data)
		if i := strings.Index(existing, "[Peer]"); i >= 0 {
			existing = existing[:i]
		}
		var b strings.Builder
		b.WriteString(strings.TrimRight(existing, "\n") + "\n")
		keys := make([]wgtypes.Key, 0, len(d.peers))
		for k := range d.peers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			ips := make([]string, 0, len(d.peers[k]))
			for _, p := range d.peers[k] {
				ips = append(ips, p.String())
			}
			fmt.Fprintf(&b, "\n[Peer]\nPublicKey = %s\nAllowedIPs = %s\n", k, strings.Join(ips, ", "))
		}
		h.files[confPath] = file{data: []byte(b.String()), mode: 0o600}
	default:
		return fail(1, "unsupported wg-quick command "+args[0])
	}
	h.mutations = append(h.mutations, joined)
	return remote.Result{}
}

// parseConf reads the subset of the wg-quick format the engine writes.
func parseConf(conf string) (*daemon, error) {
	d := &daemon{peers: make(map[wgtypes.Key][]netip.Prefix)}
	var (
		section string
		peer    *wgtypes.Key
		havePK  bool
	)
	for _, raw := range strings.Split(conf, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			section = line
			peer = nil
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("wg-quick: line unrecognized: %q", line)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch {
		case section == "[Interface]" && k == "PrivateKey":
			key, err := wgtypes.ParseKey(v)
			if err != nil {
				return nil, fmt.Errorf("wg-quick: invalid private key")
			}
			d.private = key
			havePK = true
		case section == "[Peer]" && k == "PublicKey":
			key, err := wgtypes.ParseKey(v)
			if err != nil {
				return nil, fmt.Errorf("wg-quick: invalid public key")
			}
			peer = &key
			d.peers[key] = nil
		case section == "[Peer]" && k == "AllowedIPs" && peer != nil:
			for _, s := range strings.Split(v, ",") {
				p, err := netip.ParsePrefix(strings.TrimSpace(s))
				if err != nil {
					return nil, fmt.Errorf("wg-quick: invalid allowed ip %q", s)
				}
				d.peers[*peer] = append(d.peers[*peer], p)
			}
		}
	}
	if !havePK {
		return nil, errors.New("wg-quick: config has no private key")
	}
	return d, nil
}

func fail(code int, stderr string) remote.Result {
	return remote.Result{Stderr: stderr + "\n", ExitCode: code}
}
