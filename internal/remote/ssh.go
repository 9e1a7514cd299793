package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort        = 22
	DefaultUser        = "root"
	defaultDialTimeout = 15 * time.Second
)

// Options describes how to reach and authenticate to an endpoint.
type Options struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	// KnownHostsPath is consulted and extended on first contact. Empty
	// disables host key persistence and accepts any key.
	KnownHostsPath string
	DialTimeout    time.Duration
}

// Addr returns host:port with defaults applied.
func (o Options) Addr() string {
	port := o.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

func (o Options) user() string {
	if strings.TrimSpace(o.User) == "" {
		return DefaultUser
	}
	return o.User
}

// SSHChannel is a Channel over one SSH connection. Each Execute opens a fresh
// session on the shared connection.
type SSHChannel struct {
	addr   string
	user   string
	client *ssh.Client

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error
}

var _ Channel = (*SSHChannel)(nil)

// Dial connects and authenticates with the key at opts.KeyPath.
func Dial(ctx context.Context, opts Options) (*SSHChannel, error) {
	signer, err := LoadSigner(opts.KeyPath)
	if err != nil {
		return nil, err
	}
	return DialWithSigner(ctx, opts, signer)
}

// DialWithSigner connects and authenticates with signer.
func DialWithSigner(ctx context.Context, opts Options, signer ssh.Signer) (*SSHChannel, error) {
	addr := opts.Addr()
	user := opts.user()
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	hostKeys, err := newHostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys.check,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ReachabilityError{Addr: addr, Err: err}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(addr, user, hostKeys, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSHChannel{addr: addr, user: user, client: ssh.NewClient(c, chans, reqs)}, nil
}

func classifyHandshake(addr, user string, hk *hostKeyCallback, err error) error {
	if hk.rejected != nil {
		return &HandshakeError{Addr: addr, Err: hk.rejected}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &AuthError{User: user, Addr: addr, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ReachabilityError{Addr: addr, Err: err}
	}
	return &HandshakeError{Addr: addr, Err: err}
}

func (c *SSHChannel) Target() string { return c.addr }

func (c *SSHChannel) Privileged() bool { return c.user == "root" }

// Execute runs command in a new session. Once started a command is not
// interrupted by ctx, since a half-applied remote change cannot be unwound.
func (c *SSHChannel) Execute(ctx context.Context, command string) (Result, error) {
	return c.run(ctx, command, nil)
}

func (c *SSHChannel) run(ctx context.Context, command string, stdin []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session on %s: %w", c.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	err = session.Run(command)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("run remote command on %s: %w", c.addr, err)
	}
	return res, nil
}

// transferScript streams stdin into a private temp file, then renames it over
// the destination. $1 is the temp path, $2 the destination and $3 the mode.
const transferScript = `umask 077 && cat > "$1" && chmod "$3" "$1" && mv -f "$1" "$2"`

// Transfer writes content to path. Root sessions use SFTP with a posix
// rename; other users stream the content through sudo on stdin. Content never
// appears on a command line.
func (c *SSHChannel) Transfer(ctx context.Context, path string, content []byte, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := tempSibling(path)
	if c.Privileged() {
		return c.transferSFTP(tmp, path, content, mode)
	}

	cmd := Command("sh", "-c", transferScript, "sh", tmp, path, fmt.Sprintf("%04o", mode.Perm())).Sudo(true)
	res, err := c.run(ctx, cmd.String(), content)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", path, err)
	}
	if !res.OK() {
		return fmt.Errorf("transfer %s: %w", path, &CommandError{Command: cmd.String(), Result: res})
	}
	return nil
}

func (c *SSHChannel) transferSFTP(tmp, path string, content []byte, mode fs.FileMode) error {
	c.sftpOnce.Do(func() {
		c.sftp, c.sftpErr = sftp.NewClient(c.client)
	})
	if c.sftpErr != nil {
		return fmt.Errorf("open sftp on %s: %w", c.addr, c.sftpErr)
	}

	f, err := c.sftp.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("transfer %s: create temp file: %w", path, err)
	}
	if err := c.sftp.Chmod(tmp, mode.Perm()); err != nil {
		_ = f.Close()
		_ = c.sftp.Remove(tmp)
		return fmt.Errorf("transfer %s: chmod temp file: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = c.sftp.Remove(tmp)
		return fmt.Errorf("transfer %s: write temp file: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = c.sftp.Remove(tmp)
		return fmt.Errorf("transfer %s: close temp file: %w", path, err)
	}
	if err := c.sftp.PosixRename(tmp, path); err != nil {
		_ = c.sftp.Remove(tmp)
		return fmt.Errorf("transfer %s: rename into place: %w", path, err)
	}
	return nil
}

func (c *SSHChannel) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	return c.client.Close()
}

func tempSibling(path string) string {
	dir, base := filepath.Split(path)
	return dir + "." + base + "." + uuid.NewString()[:8] + ".tmp"
}

// hostKeyCallback checks keys against a known_hosts file and records
// first-seen hosts, like StrictHostKeyChecking=accept-new.
type hostKeyCallback struct {
	path     string
	mu       sync.Mutex
	rejected error
}

func newHostKeyCallback(path string) (*hostKeyCallback, error) {
	if path == "" {
		return &hostKeyCallback{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	_ = f.Close()
	return &hostKeyCallback{path: path}, nil
}

func (h *hostKeyCallback) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if h.path == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cb, err := knownhosts.New(h.path)
	if err != nil {
		h.rejected = fmt.Errorf("read known_hosts: %w", err)
		return h.rejected
	}
	err = cb(hostname, remote, key)
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		f, openErr := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o600)
		if openErr != nil {
			h.rejected = fmt.Errorf("record host key: %w", openErr)
			return h.rejected
		}
		defer f.Close()
		if _, wErr := f.WriteString(line + "\n"); wErr != nil {
			h.rejected = fmt.Errorf("record host key: %w", wErr)
			return h.rejected
		}
		return nil
	}
	h.rejected = fmt.Errorf("host key for %s does not match %s: %w", hostname, h.path, err)
	return h.rejected
}
