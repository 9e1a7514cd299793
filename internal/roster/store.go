package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"vpsmesh/internal/remote"
	"vpsmesh/internal/wireguard"
)

var (
	// ErrNotFound means the endpoint has no roster yet.
	ErrNotFound = errors.New("roster not found")
	// ErrConflict means the remote roster changed since it was loaded.
	ErrConflict = errors.New("roster was modified concurrently")
)

// CorruptionError reports a roster document that exists but cannot be
// parsed. A corrupt roster is never replaced automatically.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("roster %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Store reads and writes the roster document over a remote channel.
type Store struct {
	Commands wireguard.Commands
	Path     string
	Subnet   netip.Prefix
	Now      func() time.Time
}

// NewStore returns a store for the default roster path.
func NewStore(cmds wireguard.Commands, subnet netip.Prefix) *Store {
	return &Store{Commands: cmds, Path: wireguard.RosterPath, Subnet: subnet, Now: time.Now}
}

// Load reads the roster. A missing or blank document yields ErrNotFound; a
// document that does not parse or lacks a valid server key yields a
// *CorruptionError. An existence check that fails for any reason other than
// absence is returned as a *remote.CommandError.
func (s *Store) Load(ctx context.Context, ch remote.Channel) (*State, error) {
	res, err := ch.Execute(ctx, s.Commands.Exists(s.Path))
	if err != nil {
		return nil, fmt.Errorf("check roster: %w", err)
	}
	switch {
	case res.OK():
	case res.ExitCode == 1 && strings.TrimSpace(res.Stderr) == "":
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("check roster: %w", &remote.CommandError{Command: s.Commands.Exists(s.Path), Result: res})
	}

	res, err = remote.Run(ctx, ch, s.Commands.ReadFile(s.Path))
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	raw := strings.TrimSpace(res.Stdout)
	if raw == "" {
		return nil, ErrNotFound
	}

	var st State
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&st); err != nil {
		return nil, &CorruptionError{Path: s.Path, Err: err}
	}
	if dec.More() {
		return nil, &CorruptionError{Path: s.Path, Err: errors.New("trailing data after document")}
	}
	if _, err := wireguard.ParseKey(st.ServerPublicKey); err != nil {
		return nil, &CorruptionError{Path: s.Path, Err: fmt.Errorf("server public key: %w", err)}
	}
	if st.Peers == nil {
		st.Peers = []Peer{}
	}
	return &st, nil
}

// LoadOrInit reads the roster, or starts a new one whose server key is read
// from the running daemon.
func (s *Store) LoadOrInit(ctx context.Context, ch remote.Channel, serverAddress netip.Addr) (*State, error) {
	st, err := s.Load(ctx, ch)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := remote.Run(ctx, ch, s.Commands.ShowPublicKey())
	if err != nil {
		return nil, fmt.Errorf("query server public key: %w", err)
	}
	key := strings.TrimSpace(res.Stdout)
	if key == "" {
		return nil, fmt.Errorf("query server public key: daemon returned no key")
	}
	if _, err := wireguard.ParseKey(key); err != nil {
		return nil, fmt.Errorf("query server public key: %w", err)
	}
	return New(key, serverAddress, s.now()), nil
}

// Save writes st if the remote roster still has st's revision, then advances
// st.Revision and st.LastUpdated. Any failure is returned with the remote
// exit status and output.
func (s *Store) Save(ctx context.Context, ch remote.Channel, st *State) error {
	if s.Subnet.IsValid() {
		if err := st.Validate(s.Subnet); err != nil {
			return fmt.Errorf("refusing to save invalid roster: %w", err)
		}
	}

	current, err := s.Load(ctx, ch)
	switch {
	case errors.Is(err, ErrNotFound):
		if st.Revision != 0 {
			return fmt.Errorf("%w: roster at revision %d disappeared", ErrConflict, st.Revision)
		}
	case err != nil:
		return fmt.Errorf("save roster: %w", err)
	case current.Revision != st.Revision:
		return fmt.Errorf("%w: remote revision %d, local revision %d", ErrConflict, current.Revision, st.Revision)
	}

	next := st.Clone()
	next.Revision++
	next.LastUpdated = s.now()

	data, err := Marshal(next)
	if err != nil {
		return err
	}
	if err := ch.Transfer(ctx, s.Path, data, 0o600); err != nil {
		return fmt.Errorf("save roster: %w", err)
	}
	st.Revision = next.Revision
	st.LastUpdated = next.LastUpdated
	return nil
}

// Marshal renders the canonical document form.
func Marshal(st *State) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(st); err != nil {
		return nil, fmt.Errorf("encode roster: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
