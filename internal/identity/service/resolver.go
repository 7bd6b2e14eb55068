package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cassette-repair-tracker/backend/internal/identity/domain"
	"cassette-repair-tracker/backend/internal/identity/repository"
	"cassette-repair-tracker/backend/internal/platform/apperr"
)

// PasswordVerifier compares a plaintext password against a stored hash.
type PasswordVerifier interface {
	Compare(hash string, password []byte) error
	CompareDummy(password []byte)
}

// Resolver authenticates credentials across every identity domain and loads identities by id.
type Resolver struct {
	registry *repository.Registry
	hasher   PasswordVerifier
}

// NewResolver returns a Resolver over the domain stores in registry.
func NewResolver(registry *repository.Registry, hasher PasswordVerifier) *Resolver {
	return &Resolver{registry: registry, hasher: hasher}
}

// Resolve probes each domain by username in probe order and returns the first identity that is
// ACTIVE and whose password verifies. Every failure is the same generic authentication error;
// store failures are returned wrapped so the caller can log them.
func (r *Resolver) Resolve(ctx context.Context, username, password string) (*domain.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		r.hasher.CompareDummy([]byte(password))
		return nil, apperr.Authentication("empty credentials")
	}
	compared := false
	for _, d := range r.registry.Domains() {
		store, err := r.registry.Get(d)
		if err != nil {
			return nil, err
		}
		ident, err := store.FindByUsername(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("resolving identity in %s: %w", d, err)
		}
		if ident == nil || ident.PasswordHash == "" {
			continue
		}
		compared = true
		if err := r.hasher.Compare(ident.PasswordHash, []byte(password)); err != nil {
			continue
		}
		if !ident.Active() {
			continue
		}
		ident.Domain = d
		return ident, nil
	}
	if !compared {
		r.hasher.CompareDummy([]byte(password))
	}
	return nil, apperr.Authentication("no matching active identity")
}

// FindByID loads the identity with id from the store for d. A missing identity is a NotFound error.
func (r *Resolver) FindByID(ctx context.Context, d domain.Domain, id string) (*domain.Identity, error) {
	store, err := r.registry.Get(d)
	if err != nil {
		return nil, apperr.NotFound("identity")
	}
	ident, err := store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading %s identity: %w", d, err)
	}
	if ident == nil {
		return nil, apperr.NotFound("identity")
	}
	ident.Domain = d
	return ident, nil
}

// Update applies patch to the identity with id in domain d.
func (r *Resolver) Update(ctx context.Context, d domain.Domain, id string, patch domain.Patch) error {
	store, err := r.registry.Get(d)
	if err != nil {
		return apperr.NotFound("identity")
	}
	if err := store.Update(ctx, id, patch); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return apperr.NotFound("identity")
		}
		return err
	}
	return nil
}

// ConsumeBackupCode removes one stored backup code hash for the identity. False means the hash
// was not present, either never issued or already spent.
func (r *Resolver) ConsumeBackupCode(ctx context.Context, d domain.Domain, id, hash string) (bool, error) {
	store, err := r.registry.Get(d)
	if err != nil {
		return false, apperr.NotFound("identity")
	}
	ok, err := store.ConsumeBackupCode(ctx, id, hash)
	if err != nil {
		return false, fmt.Errorf("consuming %s backup code: %w", d, err)
	}
	return ok, nil
}
