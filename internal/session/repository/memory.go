package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"cassette-repair-tracker/backend/internal/session/domain"
)

// MemoryRepository is an in-memory Repository. A single mutex gives every method the consistent
// read the Postgres implementation gets from its transaction.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.RefreshToken
	byHash map[string]string
	seq    int64
}

// NewMemoryRepository returns an empty in-memory refresh token repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]*domain.RefreshToken),
		byHash: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	t.Seq = r.seq
	c := *t
	r.byID[c.ID] = &c
	r.byHash[c.TokenHash] = c.ID
	return nil
}

func (r *MemoryRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return nil, nil
	}
	c := *r.byID[id]
	return &c, nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revokeLocked(id, at), nil
}

func (r *MemoryRepository) revokeLocked(id string, at time.Time) bool {
	t, ok := r.byID[id]
	if !ok || t.Revoked {
		return false
	}
	t.Revoked = true
	ts := at
	t.RevokedAt = &ts
	return true
}

func (r *MemoryRepository) RevokeAllByIdentity(ctx context.Context, identityID, dom string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.activeLocked(identityID, dom) {
		if r.revokeLocked(t.ID, at) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) RevokeBeyondNewest(ctx context.Context, identityID, dom string, keep int, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	active := r.activeLocked(identityID, dom)
	var n int64
	for _, t := range active[min(keep, len(active)):] {
		if r.revokeLocked(t.ID, at) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ListActiveByIdentity(ctx context.Context, identityID, dom string) ([]*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.activeLocked(identityID, dom)
	out := make([]*domain.RefreshToken, len(active))
	for i, t := range active {
		c := *t
		out[i] = &c
	}
	return out, nil
}

// All returns a copy of every stored token, oldest first. For tests.
func (r *MemoryRepository) All() []*domain.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.RefreshToken, 0, len(r.byID))
	for _, t := range r.byID {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// activeLocked returns the identity's non-revoked tokens, newest first. Caller holds r.mu.
func (r *MemoryRepository) activeLocked(identityID, dom string) []*domain.RefreshToken {
	var out []*domain.RefreshToken
	for _, t := range r.byID {
		if t.IdentityID == identityID && t.Domain == dom && !t.Revoked {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}
