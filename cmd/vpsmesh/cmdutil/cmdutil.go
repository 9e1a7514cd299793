// Package cmdutil holds the plumbing shared by vpsmesh subcommands: host
// resolution, local stores and error presentation.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/adapter/bbolt"
	"vpsmesh/internal/adapter/sqlite"
	"vpsmesh/internal/provision"
	"vpsmesh/internal/remote"
	"vpsmesh/pkg/sdk/defaults"
	"vpsmesh/pkg/sdk/hosts"

	"github.com/spf13/cobra"
)

// HostFlags selects a configured host by name or address.
type HostFlags struct {
	Host         string
	ProbeTimeout time.Duration
}

func (f *HostFlags) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Host, "host", "", "Host name or address (default: current host)")
	cmd.Flags().DurationVar(&f.ProbeTimeout, "probe-timeout", remote.DefaultProbeTimeout, "TCP reachability probe timeout")
}

// Resolve returns the selected host, falling back to the current one.
func (f *HostFlags) Resolve() (string, hosts.Host, error) {
	cfg, err := hosts.LoadDefault()
	if err != nil {
		return "", hosts.Host{}, fmt.Errorf("read host config: %w", err)
	}
	if key := strings.TrimSpace(f.Host); key != "" {
		h, ok := cfg.Lookup(key)
		if !ok {
			return "", hosts.Host{}, fmt.Errorf("host %q is not configured; run `vpsmesh setup <ip>` first", key)
		}
		return key, h, nil
	}
	name, h, ok := cfg.Current()
	if !ok {
		return "", hosts.Host{}, fmt.Errorf("no host configured; run `vpsmesh setup <ip>` first")
	}
	return name, h, nil
}

// ConnectOptions turns a configured host into provisioning connect options.
func ConnectOptions(h hosts.Host, probeTimeout time.Duration) (provision.ConnectOptions, error) {
	addr, err := h.Addr()
	if err != nil {
		return provision.ConnectOptions{}, fmt.Errorf("host address %q: %w", h.Address, err)
	}
	user := strings.TrimSpace(h.User)
	if user == "" {
		user = "root"
	}
	return provision.ConnectOptions{
		Host:           addr,
		SSHPort:        h.SSHPort(),
		User:           user,
		KeyPath:        h.KeyFile,
		KnownHostsPath: defaults.KnownHostsPath(defaults.DataRoot()),
		ProbeTimeout:   probeTimeout,
	}, nil
}

// Session bundles the local stores, the progress output and an orchestrator
// wired to both.
type Session struct {
	DataRoot     string
	Tunnels      *sqlite.Store
	Secrets      *bbolt.SecretStore
	Telemetry    *ui.TelemetryOutput
	Orchestrator *provision.Orchestrator
}

func OpenSession() (*Session, error) {
	root := defaults.DataRoot()
	if err := defaults.EnsureDataRoot(root); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	tunnels, err := sqlite.Open(defaults.DBPath(root))
	if err != nil {
		return nil, err
	}
	secrets, err := bbolt.Open(defaults.SecretsPath(root))
	if err != nil {
		_ = tunnels.Close()
		return nil, err
	}

	out := ui.NewTelemetryOutput()
	orch := provision.New(provision.Dependencies{
		Secrets: secrets,
		Tunnels: tunnels,
		Tracer:  out.Tracer("vpsmesh/provision"),
	})
	return &Session{
		DataRoot:     root,
		Tunnels:      tunnels,
		Secrets:      secrets,
		Telemetry:    out,
		Orchestrator: orch,
	}, nil
}

// Connect opens a channel to h through the session's orchestrator.
func (s *Session) Connect(ctx context.Context, h hosts.Host, probeTimeout time.Duration) (remote.Channel, error) {
	opts, err := ConnectOptions(h, probeTimeout)
	if err != nil {
		return nil, err
	}
	return s.Orchestrator.Connect(ctx, opts)
}

func (s *Session) Close() {
	s.Telemetry.Close()
	_ = s.Secrets.Close()
	_ = s.Tunnels.Close()
}

// DecorateError adds the phase reached and a remediation hint to a
// provisioning failure.
func DecorateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var validation *provision.ValidationError
	if errors.As(err, &validation) {
		return fmt.Errorf("%s: invalid %s", op, validation.Error())
	}

	msg := fmt.Sprintf("%s: %v", op, err)
	if phase, ok := provision.PhaseOf(err); ok {
		msg += fmt.Sprintf(" [phase reached: %s]", phase)
	}
	if hint := Hint(err); hint != "" {
		msg += ". " + hint
	}
	return errors.New(msg)
}

// Hint suggests what the operator should do about err.
func Hint(err error) string {
	if errors.Is(err, provision.ErrReconcilePending) {
		return "the roster is saved; run `vpsmesh reconcile` to finish"
	}
	if errors.Is(err, provision.ErrNotProvisioned) {
		return "run `vpsmesh setup <ip>` first"
	}
	switch provision.Classify(err) {
	case provision.KindReachability:
		return "check the address, the SSH port and any firewall in between"
	case provision.KindCredential:
		return "the SSH private key must exist, be readable and not be world-accessible"
	case provision.KindAuthentication:
		return "check --user and that the key is in the server's authorized_keys"
	case provision.KindRemoteCommand:
		return "rerun with --debug to see the remote output"
	case provision.KindStateCorruption:
		return "the server roster is unreadable; inspect it by hand, vpsmesh will not overwrite it"
	case provision.KindAddressExhaustion:
		return "the mesh subnet has no free addresses"
	case provision.KindReconciliationDrift:
		return "run `vpsmesh reconcile` again"
	default:
		return ""
	}
}

// RunSudo runs a local command as root, through `sudo -n` when this process
// is not already root.
func RunSudo(ctx context.Context, name string, args ...string) error {
	argv := append([]string{name}, args...)
	display := name
	if os.Geteuid() != 0 {
		argv = append([]string{"sudo", "-n"}, argv...)
		display = "sudo " + name
	}

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		if os.Geteuid() != 0 {
			return fmt.Errorf("%s failed: %w (run with sudo privileges)", display, err)
		}
		return fmt.Errorf("%s failed: %w", display, err)
	}
	return fmt.Errorf("%s failed: %w: %s", display, err, msg)
}
