package provision

import (
	"errors"
	"fmt"

	"vpsmesh/internal/reconcile"
	"vpsmesh/internal/remote"
	"vpsmesh/internal/roster"
)

var (
	// ErrNotProvisioned is returned by operations that need a roster on an
	// endpoint that has none.
	ErrNotProvisioned = errors.New("endpoint is not provisioned")
	// ErrReconcilePending means the roster was saved but the daemon has not
	// caught up. Run Reconcile to finish; do not repeat the operation.
	ErrReconcilePending = errors.New("roster saved but daemon not reconciled")
)

// ValidationError indicates an invalid input to a provisioning operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// StepError records the step that failed and the last phase reached before
// it, so a retry can tell which work is already done.
type StepError struct {
	Step  string
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed (reached %s): %v", e.Step, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Kind groups failures by what an operator has to fix.
type Kind uint8

const (
	KindOther Kind = iota
	KindReachability
	KindCredential
	KindAuthentication
	KindRemoteCommand
	KindStateCorruption
	KindAddressExhaustion
	KindReconciliationDrift
)

func (k Kind) String() string {
	switch k {
	case KindReachability:
		return "reachability"
	case KindCredential:
		return "credential"
	case KindAuthentication:
		return "authentication"
	case KindRemoteCommand:
		return "remote-command"
	case KindStateCorruption:
		return "state-corruption"
	case KindAddressExhaustion:
		return "address-exhaustion"
	case KindReconciliationDrift:
		return "reconciliation-drift"
	default:
		return "other"
	}
}

// Classify maps err onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	var (
		reach   *remote.ReachabilityError
		hs      *remote.HandshakeError
		cred    *remote.CredentialError
		auth    *remote.AuthError
		corrupt *roster.CorruptionError
		drift   *reconcile.DriftError
		cmdErr  *remote.CommandError
	)
	switch {
	case errors.As(err, &reach), errors.As(err, &hs):
		return KindReachability
	case errors.As(err, &cred):
		return KindCredential
	case errors.As(err, &auth):
		return KindAuthentication
	case errors.As(err, &corrupt):
		return KindStateCorruption
	case errors.Is(err, roster.ErrAddressExhausted):
		return KindAddressExhaustion
	case errors.As(err, &drift):
		return KindReconciliationDrift
	case errors.As(err, &cmdErr):
		return KindRemoteCommand
	default:
		return KindOther
	}
}

// PhaseOf returns the phase recorded in err, if any.
func PhaseOf(err error) (Phase, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Phase, true
	}
	return 0, false
}
