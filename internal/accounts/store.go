package accounts

import (
	"fmt"
	"strings"
	"sync"
)

// Store persists accounts. Implementations must return copies so callers
// can mutate results freely.
type Store interface {
	Create(acct *Account) error
	Get(id string) (*Account, bool)
	GetByKey(apiKey string) (*Account, bool)
	List() []*Account
	// Save replaces the stored account with the same ID, including a changed
	// API key.
	Save(acct *Account) error
	Delete(id string) error
}

// OpenStore opens the store named by backend: "memory" (default), "sqlite"
// or "postgres".
func OpenStore(backend, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported account store backend %q", backend)
	}
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Account
	keyID map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Account),
		keyID: make(map[string]string),
	}
}

func (s *MemoryStore) Create(acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keyID[acct.APIKey]; exists {
		return ErrDuplicateKey
	}
	if _, exists := s.byID[acct.ID]; exists {
		return fmt.Errorf("account id %s already exists", acct.ID)
	}
	s.byID[acct.ID] = acct.Clone()
	s.keyID[acct.APIKey] = acct.ID
	return nil
}

func (s *MemoryStore) Get(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (s *MemoryStore) GetByKey(apiKey string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyID[apiKey]
	if !ok {
		return nil, false
	}
	return s.byID[id].Clone(), true
}

func (s *MemoryStore) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a.Clone())
	}
	return out
}

func (s *MemoryStore) Save(acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[acct.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, acct.ID)
	}
	if current.APIKey != acct.APIKey {
		if _, taken := s.keyID[acct.APIKey]; taken {
			return ErrDuplicateKey
		}
		delete(s.keyID, current.APIKey)
		s.keyID[acct.APIKey] = acct.ID
	}
	s.byID[acct.ID] = acct.Clone()
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	delete(s.keyID, a.APIKey)
	delete(s.byID, id)
	return nil
}
