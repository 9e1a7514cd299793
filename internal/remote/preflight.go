package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoPasswordlessSudo is returned when a non-root user cannot run sudo
// without a password.
var ErrNoPasswordlessSudo = errors.New("passwordless sudo is required for a non-root remote user")

// Preflight verifies that the endpoint is a Linux host on which the session
// can run privileged commands.
func Preflight(ctx context.Context, ch Channel) error {
	res, err := Run(ctx, ch, Command("uname", "-s").String())
	if err != nil {
		return fmt.Errorf("detect remote os: %w", err)
	}
	if osName := strings.TrimSpace(res.Stdout); osName != "Linux" {
		return fmt.Errorf("remote host must be Linux, got %q", osName)
	}
	if ch.Privileged() {
		return nil
	}
	res, err = ch.Execute(ctx, Command("true").Sudo(true).String())
	if err != nil {
		return fmt.Errorf("check sudo: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrNoPasswordlessSudo, res.Output())
	}
	return nil
}
