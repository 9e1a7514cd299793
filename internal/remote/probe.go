package remote

import (
	"context"
	"fmt"
	"net"
	"time"
)

const DefaultProbeTimeout = 3 * time.Second

// Probe opens and immediately closes a TCP connection to addr. It fails with
// a *ReachabilityError when no connection is established within timeout.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ReachabilityError{Addr: addr, Err: fmt.Errorf("tcp probe: %w", err)}
	}
	_ = conn.Close()
	return nil
}
