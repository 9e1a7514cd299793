package fake

import (
	"sync"

	"vpsmesh/internal/adapter/fake/fault"
	"vpsmesh/internal/mesh"
)

var _ mesh.SecretStore = (*SecretStore)(nil)

// SecretStore is an in-memory implementation of mesh.SecretStore. Fault
// points are "secrets.store", "secrets.load" and "secrets.delete".
type SecretStore struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	secrets map[string]string
}

// NewSecretStore creates an empty SecretStore.
func NewSecretStore() *SecretStore {
	return &SecretStore{Faults: fault.NewInjector(), secrets: make(map[string]string)}
}

// Store records identity only; the secret value is never kept in call args.
func (s *SecretStore) Store(identity, secret string) error {
	s.record("Store", identity)
	if err := s.Faults.Eval("secrets.store", identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[identity] = secret
	return nil
}

func (s *SecretStore) Load(identity string) (string, error) {
	s.record("Load", identity)
	if err := s.Faults.Eval("secrets.load", identity); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[identity]
	if !ok {
		return "", mesh.ErrSecretNotFound
	}
	return v, nil
}

func (s *SecretStore) Delete(identity string) error {
	s.record("Delete", identity)
	if err := s.Faults.Eval("secrets.delete", identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, identity)
	return nil
}

// Len returns the number of stored secrets.
func (s *SecretStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secrets)
}
