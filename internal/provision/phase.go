package provision

import (
	"encoding/json"
	"fmt"
	"strings"

	"vpsmesh/internal/check"
)

// Phase is how far provisioning of one endpoint has progressed.
type Phase uint8

const (
	Unreachable Phase = iota + 1
	Reachable
	KeyValidated
	SSHAuthenticated
	DaemonInstalled
	DaemonConfigured
	DaemonActive
	Provisioned
)

func (p Phase) String() string {
	switch p {
	case Unreachable:
		return "unreachable"
	case Reachable:
		return "reachable"
	case KeyValidated:
		return "key-validated"
	case SSHAuthenticated:
		return "ssh-authenticated"
	case DaemonInstalled:
		return "daemon-installed"
	case DaemonConfigured:
		return "daemon-configured"
	case DaemonActive:
		return "daemon-active"
	case Provisioned:
		return "provisioned"
	default:
		return "unknown"
	}
}

// Transition moves one step forward. Any other move is a programming error
// and leaves the phase unchanged.
func (p Phase) Transition(to Phase) Phase {
	ok := to == p+1 && to <= Provisioned
	check.Assertf(ok, "provision phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := parsePhase(raw)
	if !ok {
		return fmt.Errorf("invalid provision phase: %q", raw)
	}
	*p = next
	return nil
}

func parsePhase(raw string) (Phase, bool) {
	raw = strings.TrimSpace(raw)
	for p := Unreachable; p <= Provisioned; p++ {
		if p.String() == raw {
			return p, true
		}
	}
	return 0, false
}
