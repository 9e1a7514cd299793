// Package provision drives one endpoint from a bare host to a running mesh
// server and extends it with new peers.
package provision

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vpsmesh/internal/mesh"
	"vpsmesh/internal/reconcile"
	"vpsmesh/internal/remote"
	"vpsmesh/internal/roster"
	"vpsmesh/internal/wireguard"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	stepProbe        = "probe"
	stepValidateKey  = "validate_key"
	stepAuthenticate = "authenticate"
	stepInstall      = "install_daemon"
	stepInspect      = "inspect_roster"
	stepConfigure    = "configure_daemon"
	stepActivate     = "activate_daemon"
	stepPersist      = "persist_roster"
	stepReconcile    = "reconcile"
	stepExport       = "export_client_config"
	stepHarden       = "harden_ssh"

	stepLoadRoster = "load_roster"
	stepAllocate   = "allocate_address"
	stepIssue      = "issue_identity"
	stepTeardown   = "teardown"

	configFileMode = 0o600
)

// Dependencies lists every collaborator of an Orchestrator. Zero fields get
// production defaults.
type Dependencies struct {
	Topology        wireguard.Topology
	Probe           func(ctx context.Context, addr string, timeout time.Duration) error
	ValidateKey     func(path string) error
	Dial            func(ctx context.Context, opts remote.Options) (remote.Channel, error)
	GenerateKeyPair func() (wireguard.KeyPair, error)
	Secrets         mesh.SecretStore
	Tunnels         mesh.TunnelStore
	WriteFile       func(path string, data []byte, perm fs.FileMode) error
	ActivationWait  func() backoff.BackOff
	Tracer          trace.Tracer
	Logger          *slog.Logger
	Now             func() time.Time
}

// Orchestrator runs provisioning operations. Operations that change an
// endpoint's roster are serialized per endpoint.
type Orchestrator struct {
	topo            wireguard.Topology
	probe           func(ctx context.Context, addr string, timeout time.Duration) error
	validateKey     func(path string) error
	dial            func(ctx context.Context, opts remote.Options) (remote.Channel, error)
	generateKeyPair func() (wireguard.KeyPair, error)
	secrets         mesh.SecretStore
	tunnels         mesh.TunnelStore
	writeFile       func(path string, data []byte, perm fs.FileMode) error
	activationWait  func() backoff.BackOff
	tracer          trace.Tracer
	log             *slog.Logger
	now             func() time.Time

	locks *kmutex.Kmutex
}

func New(deps Dependencies) *Orchestrator {
	if deps.Topology.Interface == "" {
		deps.Topology = wireguard.DefaultTopology()
	}
	if deps.Probe == nil {
		deps.Probe = remote.Probe
	}
	if deps.ValidateKey == nil {
		deps.ValidateKey = remote.ValidateKeyFile
	}
	if deps.Dial == nil {
		deps.Dial = func(ctx context.Context, opts remote.Options) (remote.Channel, error) {
			return remote.Dial(ctx, opts)
		}
	}
	if deps.GenerateKeyPair == nil {
		deps.GenerateKeyPair = wireguard.GenerateKeyPair
	}
	if deps.WriteFile == nil {
		deps.WriteFile = writeFileAtomic
	}
	if deps.ActivationWait == nil {
		deps.ActivationWait = defaultActivationWait
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("vpsmesh/provision")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{
		topo:            deps.Topology,
		probe:           deps.Probe,
		validateKey:     deps.ValidateKey,
		dial:            deps.Dial,
		generateKeyPair: deps.GenerateKeyPair,
		secrets:         deps.Secrets,
		tunnels:         deps.Tunnels,
		writeFile:       deps.WriteFile,
		activationWait:  deps.ActivationWait,
		tracer:          deps.Tracer,
		log:             deps.Logger,
		now:             deps.Now,
		locks:           kmutex.New(),
	}
}

// Topology returns the mesh parameters in use.
func (o *Orchestrator) Topology() wireguard.Topology { return o.topo }

func defaultActivationWait() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// ConnectOptions identifies an endpoint and the credentials to reach it.
type ConnectOptions struct {
	Host           netip.Addr
	SSHPort        int
	User           string
	KeyPath        string
	KnownHostsPath string
	ProbeTimeout   time.Duration
}

func (c ConnectOptions) remote() remote.Options {
	return remote.Options{
		Host:           c.Host.String(),
		Port:           c.SSHPort,
		User:           c.User,
		KeyPath:        c.KeyPath,
		KnownHostsPath: c.KnownHostsPath,
	}
}

func (c ConnectOptions) validate() error {
	if !c.Host.IsValid() {
		return &ValidationError{Field: "host", Message: "an IP address is required"}
	}
	if strings.TrimSpace(c.KeyPath) == "" {
		return &ValidationError{Field: "ssh-key", Message: "a private key path is required"}
	}
	return nil
}

// run tracks the phase of one operation against one endpoint.
type run struct {
	phase    Phase
	endpoint string
	log      *slog.Logger
}

func (o *Orchestrator) newRun(endpoint string, start Phase, op string) *run {
	return &run{
		phase:    start,
		endpoint: endpoint,
		log:      o.log.With("op", op, "id", uuid.NewString()[:8], "endpoint", endpoint),
	}
}

func (r *run) advance(to Phase) {
	r.phase = r.phase.Transition(to)
	r.log.Debug("phase reached", "phase", r.phase)
}

func (r *run) fail(step string, err error) error {
	r.log.Warn("provisioning step failed", "step", step, "phase", r.phase, "err", err)
	return &StepError{Step: step, Phase: r.phase, Err: err}
}

type step struct {
	id    string
	title string
	fn    func(context.Context) error
}

// connectSteps takes an endpoint from Unreachable to SSHAuthenticated. The
// opened channel is stored in *ch.
func (o *Orchestrator) connectSteps(r *run, opts ConnectOptions, ch *remote.Channel) []step {
	return []step{
		{id: stepProbe, title: "checking reachability", fn: func(ctx context.Context) error {
			addr := net.JoinHostPort(opts.Host.String(), portString(opts.SSHPort))
			if err := o.probe(ctx, addr, opts.ProbeTimeout); err != nil {
				return r.fail(stepProbe, err)
			}
			r.advance(Reachable)
			return nil
		}},
		{id: stepValidateKey, title: "validating ssh key", fn: func(context.Context) error {
			if err := o.validateKey(opts.KeyPath); err != nil {
				return r.fail(stepValidateKey, err)
			}
			r.advance(KeyValidated)
			return nil
		}},
		{id: stepAuthenticate, title: "authenticating", fn: func(ctx context.Context) error {
			c, err := o.dial(ctx, opts.remote())
			if err != nil {
				return r.fail(stepAuthenticate, err)
			}
			if err := remote.Preflight(ctx, c); err != nil {
				_ = c.Close()
				return r.fail(stepAuthenticate, err)
			}
			*ch = c
			r.advance(SSHAuthenticated)
			r.log.Info("authenticated", "privileged", c.Privileged())
			return nil
		}},
	}
}

// Connect opens an authenticated channel to the endpoint. The caller closes
// it.
func (o *Orchestrator) Connect(ctx context.Context, opts ConnectOptions) (remote.Channel, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r := o.newRun(opts.Host.String(), Unreachable, "connect")
	var ch remote.Channel
	if err := o.runSteps(ctx, r, "connect", o.connectSteps(r, opts, &ch)); err != nil {
		return nil, err
	}
	return ch, nil
}

// lock serializes roster changes for endpoint until the returned func runs.
func (o *Orchestrator) lock(endpoint string) func() {
	o.locks.Lock(endpoint)
	return func() { o.locks.Unlock(endpoint) }
}

// endpointOf returns the host part of a channel target.
func endpointOf(ch remote.Channel) string {
	host, _, err := net.SplitHostPort(ch.Target())
	if err != nil {
		return ch.Target()
	}
	return host
}

func (o *Orchestrator) commands(ch remote.Channel) wireguard.Commands {
	return wireguard.NewCommands(o.topo.Interface, ch.Privileged())
}

func (o *Orchestrator) store(ch remote.Channel) *roster.Store {
	s := roster.NewStore(o.commands(ch), o.topo.Subnet)
	s.Now = o.now
	return s
}

func (o *Orchestrator) reconciler(ch remote.Channel, log *slog.Logger) *reconcile.Reconciler {
	r := reconcile.New(o.commands(ch))
	r.Logger = log
	return r
}

func portString(port int) string {
	if port <= 0 {
		port = remote.DefaultPort
	}
	return fmt.Sprint(port)
}

func writeFileAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
