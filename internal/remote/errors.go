package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ReachabilityError reports that the endpoint could not be reached before any
// credential was used.
type ReachabilityError struct {
	Addr string
	Err  error
}

func (e *ReachabilityError) Error() string {
	return fmt.Sprintf("host %s is unreachable: %v", e.Addr, e.Err)
}

func (e *ReachabilityError) Unwrap() error { return e.Err }

// HandshakeError reports an SSH protocol failure that is not a credential
// rejection, such as a changed host key.
type HandshakeError struct {
	Addr string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ssh handshake with %s failed: %v", e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// AuthError reports that the server rejected the supplied credentials.
type AuthError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh authentication as %q on %s was rejected: %v", e.User, e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CredentialReason names why a private key file cannot be used.
type CredentialReason string

const (
	CredentialNotFound     CredentialReason = "not found"
	CredentialIsDirectory  CredentialReason = "is a directory"
	CredentialUnreadable   CredentialReason = "not readable"
	CredentialInvalidKey   CredentialReason = "not a usable private key"
	CredentialPassphrase   CredentialReason = "protected by a passphrase"
)

// CredentialError reports a problem with the local private key file.
type CredentialError struct {
	Path   string
	Reason CredentialReason
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ssh key %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("ssh key %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Command string
	Result  Result
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.Result.ExitCode)
	if out := strings.TrimSpace(e.Result.Output()); out != "" {
		msg += ": " + out
	}
	return msg
}

// ExitCode returns the exit status of the failed command, or -1 when err does
// not wrap a *CommandError.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Result.ExitCode
	}
	return -1
}
