package repository

import (
	"context"
	"errors"
	"fmt"

	"cassette-repair-tracker/backend/internal/identity/domain"
)

// Store is the per-domain identity capability. Each identity domain has exactly one implementation
// registered in a Registry; callers select it by domain rather than by type.
type Store interface {
	// FindByUsername returns the identity with username, or nil if not found.
	FindByUsername(ctx context.Context, username string) (*domain.Identity, error)
	// FindByID returns the identity with id, or nil if not found.
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
	// Update applies patch to the identity with id. Returns ErrIdentityNotFound if no row matched.
	Update(ctx context.Context, id string, patch domain.Patch) error
	// ConsumeBackupCode removes hash from the identity's backup codes in one step.
	// It reports false when the hash is not present, including when a concurrent call removed it first.
	ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error)
}

// ErrIdentityNotFound is returned by Update when the identity does not exist.
var ErrIdentityNotFound = errors.New("identity not found")

// Registry maps each identity domain to its Store.
type Registry struct {
	stores map[domain.Domain]Store
}

// NewRegistry returns a Registry over stores. Domains without a store are skipped during probing.
func NewRegistry(stores map[domain.Domain]Store) *Registry {
	m := make(map[domain.Domain]Store, len(stores))
	for d, s := range stores {
		if s != nil {
			m[d] = s
		}
	}
	return &Registry{stores: m}
}

// Get returns the store for d.
func (r *Registry) Get(d domain.Domain) (Store, error) {
	s, ok := r.stores[d]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, d)
	}
	return s, nil
}

// Domains returns the registered domains in login probe order.
func (r *Registry) Domains() []domain.Domain {
	out := make([]domain.Domain, 0, len(r.stores))
	for _, d := range domain.Domains {
		if _, ok := r.stores[d]; ok {
			out = append(out, d)
		}
	}
	return out
}
