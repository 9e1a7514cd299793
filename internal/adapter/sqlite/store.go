// Package sqlite keeps local tunnel records and roster mirrors in a SQLite
// database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"vpsmesh/internal/mesh"
	"vpsmesh/internal/roster"
	"vpsmesh/pkg/sdk/defaults"

	_ "modernc.org/sqlite"
)

var _ mesh.TunnelStore = (*Store)(nil)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if err := defaults.EnsureDataRoot(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS tunnels (
	endpoint TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	server_public_key TEXT NOT NULL DEFAULT '',
	client_ip TEXT NOT NULL DEFAULT '',
	config_path TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize tunnels schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS roster_mirror (
	endpoint TEXT PRIMARY KEY,
	roster_json TEXT NOT NULL DEFAULT '',
	stale INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize roster mirror schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveTunnel(t mesh.Tunnel) error {
	endpoint := strings.TrimSpace(t.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("save tunnel: endpoint is required")
	}
	name := t.Name
	if name == "" {
		name = mesh.TunnelName(endpoint)
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	clientIP := ""
	if t.ClientAddress.IsValid() {
		clientIP = t.ClientAddress.String()
	}

	_, err := s.db.Exec(
		`INSERT INTO tunnels (endpoint, name, server_public_key, client_ip, config_path, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		 name = excluded.name,
		 server_public_key = excluded.server_public_key,
		 client_ip = excluded.client_ip,
		 config_path = excluded.config_path,
		 updated_at = excluded.updated_at`,
		endpoint,
		name,
		t.ServerPublicKey,
		clientIP,
		t.ConfigPath,
		updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save tunnel %q: %w", endpoint, err)
	}
	return nil
}

func (s *Store) GetTunnel(endpoint string) (mesh.Tunnel, bool, error) {
	row := s.db.QueryRow(
		`SELECT endpoint, name, server_public_key, client_ip, config_path, updated_at
		 FROM tunnels WHERE endpoint = ?`, endpoint)
	t, err := scanTunnel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mesh.Tunnel{}, false, nil
		}
		return mesh.Tunnel{}, false, fmt.Errorf("query tunnel %q: %w", endpoint, err)
	}
	return t, true, nil
}

func (s *Store) ListTunnels() ([]mesh.Tunnel, error) {
	rows, err := s.db.Query(
		`SELECT endpoint, name, server_public_key, client_ip, config_path, updated_at
		 FROM tunnels ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	defer rows.Close()

	out := make([]mesh.Tunnel, 0)
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tunnel row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tunnel rows: %w", err)
	}
	return out, nil
}

// DeleteTunnel drops the tunnel record and the roster mirror of endpoint.
func (s *Store) DeleteTunnel(endpoint string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete tunnel: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM tunnels WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete tunnel: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM roster_mirror WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete roster mirror: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete tunnel: commit: %w", err)
	}
	return nil
}

// SaveMirror replaces the mirrored roster and clears the stale flag.
func (s *Store) SaveMirror(endpoint string, st *roster.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal roster mirror: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO roster_mirror (endpoint, roster_json, stale, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		 roster_json = excluded.roster_json,
		 stale = 0,
		 updated_at = excluded.updated_at`,
		endpoint,
		string(payload),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save roster mirror %q: %w", endpoint, err)
	}
	return nil
}

// RefreshMirror replaces the mirrored roster, leaving the stale flag as it
// was. A new row starts out fresh.
func (s *Store) RefreshMirror(endpoint string, st *roster.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal roster mirror: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO roster_mirror (endpoint, roster_json, stale, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		 roster_json = excluded.roster_json,
		 updated_at = excluded.updated_at`,
		endpoint,
		string(payload),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("refresh roster mirror %q: %w", endpoint, err)
	}
	return nil
}

// MarkMirrorStale flags the mirror of endpoint as out of date, creating an
// empty stale row if none exists.
func (s *Store) MarkMirrorStale(endpoint string) error {
	_, err := s.db.Exec(
		`INSERT INTO roster_mirror (endpoint, roster_json, stale, updated_at)
		 VALUES (?, '', 1, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		 stale = 1,
		 updated_at = excluded.updated_at`,
		endpoint,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("mark roster mirror %q stale: %w", endpoint, err)
	}
	return nil
}

func (s *Store) GetMirror(endpoint string) (mesh.RosterMirror, bool, error) {
	var (
		raw     string
		stale   int
		updated string
	)
	err := s.db.QueryRow(
		`SELECT roster_json, stale, updated_at FROM roster_mirror WHERE endpoint = ?`, endpoint,
	).Scan(&raw, &stale, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mesh.RosterMirror{}, false, nil
		}
		return mesh.RosterMirror{}, false, fmt.Errorf("query roster mirror %q: %w", endpoint, err)
	}

	m := mesh.RosterMirror{Endpoint: endpoint, Stale: stale != 0}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return mesh.RosterMirror{}, false, fmt.Errorf("parse roster mirror %q timestamp: %w", endpoint, err)
	}
	if raw != "" {
		st := &roster.State{}
		if err := json.Unmarshal([]byte(raw), st); err != nil {
			return mesh.RosterMirror{}, false, fmt.Errorf("unmarshal roster mirror %q: %w", endpoint, err)
		}
		m.State = st
	}
	return m, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row scanner) (mesh.Tunnel, error) {
	var (
		t        mesh.Tunnel
		clientIP string
		updated  string
	)
	if err := row.Scan(&t.Endpoint, &t.Name, &t.ServerPublicKey, &clientIP, &t.ConfigPath, &updated); err != nil {
		return mesh.Tunnel{}, err
	}
	if clientIP != "" {
		addr, err := netip.ParseAddr(clientIP)
		if err != nil {
			return mesh.Tunnel{}, fmt.Errorf("parse client ip of %q: %w", t.Endpoint, err)
		}
		t.ClientAddress = addr
	}
	ts, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return mesh.Tunnel{}, fmt.Errorf("parse updated_at of %q: %w", t.Endpoint, err)
	}
	t.UpdatedAt = ts
	return t, nil
}
