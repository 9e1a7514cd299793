// Package remote runs commands and uploads files on the host that carries the
// mesh daemon.
package remote

import (
	"context"
	"io/fs"
	"strings"
)

// Result is the captured outcome of one remote command. A non-zero ExitCode
// is not a channel failure; callers decide whether it is fatal.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Output joins stdout and stderr for diagnostics.
func (r Result) Output() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// Channel is an authenticated session to one remote endpoint.
type Channel interface {
	// Target identifies the endpoint as host:port.
	Target() string
	// Privileged reports whether commands already run as root.
	Privileged() bool
	// Execute runs command and captures its output. The returned error is set
	// only when the channel itself failed.
	Execute(ctx context.Context, command string) (Result, error)
	// Transfer replaces the file at path with content. Readers on the remote
	// host observe either the old or the new file, never a partial write.
	Transfer(ctx context.Context, path string, content []byte, mode fs.FileMode) error
	Close() error
}

// Run executes cmd and converts a non-zero exit into a *CommandError.
func Run(ctx context.Context, ch Channel, cmd string) (Result, error) {
	res, err := ch.Execute(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, &CommandError{Command: cmd, Result: res}
	}
	return res, nil
}
