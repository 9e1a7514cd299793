package fake

import (
	"sort"
	"sync"
	"time"

	"vpsmesh/internal/adapter/fake/fault"
	"vpsmesh/internal/mesh"
	"vpsmesh/internal/roster"
)

var _ mesh.TunnelStore = (*TunnelStore)(nil)

// TunnelStore is an in-memory implementation of mesh.TunnelStore. Fault
// points are "tunnels.<method>" in snake case.
type TunnelStore struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	tunnels map[string]mesh.Tunnel
	mirrors map[string]mesh.RosterMirror
	now     func() time.Time
}

// NewTunnelStore creates an empty TunnelStore.
func NewTunnelStore() *TunnelStore {
	return &TunnelStore{
		Faults:  fault.NewInjector(),
		tunnels: make(map[string]mesh.Tunnel),
		mirrors: make(map[string]mesh.RosterMirror),
		now:     time.Now,
	}
}

func (s *TunnelStore) SaveTunnel(t mesh.Tunnel) error {
	s.record("SaveTunnel", t.Endpoint)
	if err := s.Faults.Eval("tunnels.save_tunnel", t.Endpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnels[t.Endpoint] = t
	return nil
}

func (s *TunnelStore) GetTunnel(endpoint string) (mesh.Tunnel, bool, error) {
	s.record("GetTunnel", endpoint)
	if err := s.Faults.Eval("tunnels.get_tunnel", endpoint); err != nil {
		return mesh.Tunnel{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[endpoint]
	return t, ok, nil
}

func (s *TunnelStore) ListTunnels() ([]mesh.Tunnel, error) {
	s.record("ListTunnels")
	if err := s.Faults.Eval("tunnels.list_tunnels"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mesh.Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (s *TunnelStore) DeleteTunnel(endpoint string) error {
	s.record("DeleteTunnel", endpoint)
	if err := s.Faults.Eval("tunnels.delete_tunnel", endpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnels, endpoint)
	delete(s.mirrors, endpoint)
	return nil
}

func (s *TunnelStore) SaveMirror(endpoint string, st *roster.State) error {
	s.record("SaveMirror", endpoint)
	if err := s.Faults.Eval("tunnels.save_mirror", endpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[endpoint] = mesh.RosterMirror{Endpoint: endpoint, State: st.Clone(), UpdatedAt: s.now()}
	return nil
}

func (s *TunnelStore) RefreshMirror(endpoint string, st *roster.State) error {
	s.record("RefreshMirror", endpoint)
	if err := s.Faults.Eval("tunnels.refresh_mirror", endpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mirrors[endpoint]
	m.Endpoint = endpoint
	m.State = st.Clone()
	m.UpdatedAt = s.now()
	s.mirrors[endpoint] = m
	return nil
}

func (s *TunnelStore) MarkMirrorStale(endpoint string) error {
	s.record("MarkMirrorStale", endpoint)
	if err := s.Faults.Eval("tunnels.mark_mirror_stale", endpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mirrors[endpoint]
	if !ok {
		m = mesh.RosterMirror{Endpoint: endpoint}
	}
	m.Stale = true
	m.UpdatedAt = s.now()
	s.mirrors[endpoint] = m
	return nil
}

func (s *TunnelStore) GetMirror(endpoint string) (mesh.RosterMirror, bool, error) {
	s.record("GetMirror", endpoint)
	if err := s.Faults.Eval("tunnels.get_mirror", endpoint); err != nil {
		return mesh.RosterMirror{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mirrors[endpoint]
	if ok && m.State != nil {
		m.State = m.State.Clone()
	}
	return m, ok, nil
}
