package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type execHandler func(cmd string, stdin []byte) (stdout, stderr string, code uint32)

type testServer struct {
	t        *testing.T
	addr     string
	hostKey  ssh.Signer
	clientPK ssh.PublicKey
	handler  execHandler

	mu   sync.Mutex
	cmds []string
}

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer, priv
}

func writeKeyFile(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func startTestServer(t *testing.T, authorized ssh.PublicKey, handler execHandler) *testServer {
	t.Helper()
	hostKey, _ := newSigner(t)
	s := &testServer{t: t, hostKey: hostKey, clientPK: authorized, handler: handler}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), s.clientPK.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	s.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, config)
		}
	}()
	return s
}

func (s *testServer) serve(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *testServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.cmds = append(s.cmds, payload.Command)
		s.mu.Unlock()

		stdin, _ := io.ReadAll(ch)
		stdout, stderr, code := s.handler(payload.Command, stdin)
		_, _ = io.WriteString(ch, stdout)
		_, _ = io.WriteString(ch.Stderr(), stderr)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
		return
	}
}

func (s *testServer) options(t *testing.T, user, keyPath string) Options {
	t.Helper()
	host, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return Options{
		Host:           host,
		Port:           p,
		User:           user,
		KeyPath:        keyPath,
		KnownHostsPath: filepath.Join(t.TempDir(), "known_hosts"),
	}
}

func TestSSHChannelExecute(t *testing.T) {
	clientSigner, clientPriv := newSigner(t)
	srv := startTestServer(t, clientSigner.PublicKey(), func(cmd string, _ []byte) (string, string, uint32) {
		switch cmd {
		case "uname -s":
			return "Linux\n", "", 0
		default:
			return "", "no such command\n", 127
		}
	})

	ch, err := Dial(context.Background(), srv.options(t, "root", writeKeyFile(t, clientPriv)))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	res, err := ch.Execute(context.Background(), "uname -s")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Stdout != "Linux\n" || res.ExitCode != 0 {
		t.Fatalf("Execute() = %+v", res)
	}

	res, err = ch.Execute(context.Background(), "frobnicate")
	if err != nil {
		t.Fatalf("Execute(non-zero) error = %v, want nil", err)
	}
	if res.ExitCode != 127 || !strings.Contains(res.Stderr, "no such command") {
		t.Fatalf("Execute(non-zero) = %+v", res)
	}

	_, err = Run(context.Background(), ch, "frobnicate")
	if ExitCode(err) != 127 {
		t.Fatalf("Run() error = %v, want exit 127", err)
	}
	if !ch.Privileged() {
		t.Fatal("root channel should be privileged")
	}
}

func TestDialRejectedCredentials(t *testing.T) {
	authorized, _ := newSigner(t)
	_, otherPriv := newSigner(t)
	srv := startTestServer(t, authorized.PublicKey(), func(string, []byte) (string, string, uint32) {
		return "", "", 0
	})

	_, err := Dial(context.Background(), srv.options(t, "root", writeKeyFile(t, otherPriv)))
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Dial() error = %v, want *AuthError", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	_ = ln.Close()
	p, _ := strconv.Atoi(port)

	_, priv := newSigner(t)
	_, err = Dial(context.Background(), Options{Host: "127.0.0.1", Port: p, KeyPath: writeKeyFile(t, priv)})
	var reachErr *ReachabilityError
	if !errors.As(err, &reachErr) {
		t.Fatalf("Dial() error = %v, want *ReachabilityError", err)
	}
}

func TestDialRecordsAndEnforcesHostKey(t *testing.T) {
	clientSigner, clientPriv := newSigner(t)
	srv := startTestServer(t, clientSigner.PublicKey(), func(string, []byte) (string, string, uint32) {
		return "", "", 0
	})
	opts := srv.options(t, "root", writeKeyFile(t, clientPriv))

	ch, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	_ = ch.Close()

	data, err := os.ReadFile(opts.KnownHostsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), srv.hostKey.PublicKey().Type()) {
		t.Fatalf("known_hosts = %q, want recorded host key", data)
	}

	ch, err = Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	_ = ch.Close()

	// A different server on the same address must be refused.
	other := startTestServer(t, clientSigner.PublicKey(), func(string, []byte) (string, string, uint32) {
		return "", "", 0
	})
	otherOpts := other.options(t, "root", opts.KeyPath)
	otherOpts.KnownHostsPath = opts.KnownHostsPath
	stale := knownhosts.Line([]string{knownhosts.Normalize(other.addr)}, srv.hostKey.PublicKey())
	if err := os.WriteFile(opts.KnownHostsPath, []byte(stale+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = Dial(context.Background(), otherOpts)
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("Dial() with changed host key error = %v, want *HandshakeError", err)
	}
}

func TestTransferThroughSudoUsesStdin(t *testing.T) {
	clientSigner, clientPriv := newSigner(t)
	var (
		mu       sync.Mutex
		received []byte
	)
	srv := startTestServer(t, clientSigner.PublicKey(), func(cmd string, stdin []byte) (string, string, uint32) {
		mu.Lock()
		defer mu.Unlock()
		if strings.HasPrefix(cmd, "sudo -n sh -c ") {
			received = stdin
			return "", "", 0
		}
		return "", "unexpected\n", 1
	})

	ch, err := Dial(context.Background(), srv.options(t, "deploy", writeKeyFile(t, clientPriv)))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	content := []byte(`{"name":"it's $(rm -rf /)"}`)
	if err := ch.Transfer(context.Background(), "/etc/wireguard/peers.json", content, 0o600); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(received, content) {
		t.Fatalf("stdin = %q, want %q", received, content)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, cmd := range srv.cmds {
		if strings.Contains(cmd, "rm -rf") {
			t.Fatalf("content leaked into command line: %q", cmd)
		}
		if strings.Contains(cmd, "sh -c") && !strings.Contains(cmd, "0600") {
			t.Fatalf("transfer command %q does not set mode", cmd)
		}
	}
}
