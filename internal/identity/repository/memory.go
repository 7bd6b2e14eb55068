package repository

import (
	"context"
	"sync"

	"cassette-repair-tracker/backend/internal/identity/domain"
)

// MemoryStore is an in-memory Store for one domain. Used in tests and local development without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	domain domain.Domain
	byID   map[string]*domain.Identity
}

// NewMemoryStore returns an empty in-memory store for d.
func NewMemoryStore(d domain.Domain) *MemoryStore {
	return &MemoryStore{domain: d, byID: make(map[string]*domain.Identity)}
}

// Put stores a copy of i, forcing its domain to the store's domain.
func (s *MemoryStore) Put(i *domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneIdentity(i)
	c.Domain = s.domain
	s.byID[c.ID] = c
}

func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, i := range s.byID {
		if i.Username == username {
			return cloneIdentity(i), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneIdentity(i), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch domain.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return ErrIdentityNotFound
	}
	patch.Apply(i)
	return nil
}

func (s *MemoryStore) ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	for n, h := range i.TwoFactorBackupCodes {
		if h == hash {
			i.TwoFactorBackupCodes = append(i.TwoFactorBackupCodes[:n:n], i.TwoFactorBackupCodes[n+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func cloneIdentity(i *domain.Identity) *domain.Identity {
	c := *i
	if i.TwoFactorBackupCodes != nil {
		c.TwoFactorBackupCodes = append([]string(nil), i.TwoFactorBackupCodes...)
	}
	if i.LastLoginAt != nil {
		t := *i.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
