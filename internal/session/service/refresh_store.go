package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/security"
	"cassette-repair-tracker/backend/internal/session/domain"
	"cassette-repair-tracker/backend/internal/session/repository"
)

// DefaultRefreshTTL is the fixed lifetime of a refresh token.
const DefaultRefreshTTL = 7 * 24 * time.Hour

// DefaultRetention is the number of non-revoked refresh tokens kept per identity.
const DefaultRetention = 4

// RefreshStore mints and tracks opaque refresh tokens. Only hashes are persisted; plaintext values
// leave the store exactly once, from Create or Rotate.
type RefreshStore struct {
	repo repository.Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewRefreshStore returns a store over repo issuing tokens valid for ttl.
func NewRefreshStore(repo repository.Repository, ttl time.Duration) *RefreshStore {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &RefreshStore{repo: repo, ttl: ttl, now: time.Now}
}

// WithClock replaces the store's time source. Returns s for chaining.
func (s *RefreshStore) WithClock(now func() time.Time) *RefreshStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Create persists a new token for the identity and returns its plaintext value.
// The value is returned only after the row is durable.
func (s *RefreshStore) Create(ctx context.Context, identityID, dom string) (string, *domain.RefreshToken, error) {
	now := s.now().UTC()
	return s.insert(ctx, identityID, dom, now, now.Add(s.ttl))
}

// Rotate mints a replacement for old with the same expiry horizon, then revokes old.
func (s *RefreshStore) Rotate(ctx context.Context, old *domain.RefreshToken) (string, *domain.RefreshToken, error) {
	now := s.now().UTC()
	value, rec, err := s.insert(ctx, old.IdentityID, old.Domain, now, old.ExpiresAt)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.repo.Revoke(ctx, old.ID, now); err != nil {
		return "", nil, fmt.Errorf("revoking rotated refresh token: %w", err)
	}
	return value, rec, nil
}

func (s *RefreshStore) insert(ctx context.Context, identityID, dom string, issuedAt, expiresAt time.Time) (string, *domain.RefreshToken, error) {
	value, err := security.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	rec := &domain.RefreshToken{
		ID:         uuid.New().String(),
		TokenHash:  security.HashRefreshToken(value),
		IdentityID: identityID,
		Domain:     dom,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("persisting refresh token: %w", err)
	}
	return value, rec, nil
}

// Lookup returns the record for value in any state, or a NotFound error.
func (s *RefreshStore) Lookup(ctx context.Context, value string) (*domain.RefreshToken, error) {
	if value == "" {
		return nil, apperr.NotFound("refresh token")
	}
	rec, err := s.byValue(ctx, value)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NotFound("refresh token")
	}
	return rec, nil
}

// byValue fetches the record indexed by value's hash and confirms the stored hash in constant time.
// A row whose hash does not match is treated as absent.
func (s *RefreshStore) byValue(ctx context.Context, value string) (*domain.RefreshToken, error) {
	rec, err := s.repo.GetByTokenHash(ctx, security.HashRefreshToken(value))
	if err != nil || rec == nil {
		return nil, err
	}
	if !security.RefreshTokenHashEqual(value, rec.TokenHash) {
		return nil, nil
	}
	return rec, nil
}

// FindActive returns the record for value if it is neither revoked nor expired, or a NotFound error.
func (s *RefreshStore) FindActive(ctx context.Context, value string) (*domain.RefreshToken, error) {
	rec, err := s.Lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	if !rec.Active(s.now()) {
		return nil, apperr.NotFound("refresh token")
	}
	return rec, nil
}

// Revoke marks the token for value revoked. It is idempotent: an absent or already revoked token
// is not an error. The record is returned when one exists.
func (s *RefreshStore) Revoke(ctx context.Context, value string) (*domain.RefreshToken, error) {
	if value == "" {
		return nil, nil
	}
	rec, err := s.byValue(ctx, value)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if _, err := s.repo.Revoke(ctx, rec.ID, s.now().UTC()); err != nil {
		return rec, err
	}
	return rec, nil
}

// Expire revokes rec because its expiry has passed. Already revoked records are left unchanged.
func (s *RefreshStore) Expire(ctx context.Context, rec *domain.RefreshToken) error {
	_, err := s.repo.Revoke(ctx, rec.ID, s.now().UTC())
	return err
}

// Expired reports whether rec is past its fixed expiry.
func (s *RefreshStore) Expired(rec *domain.RefreshToken) bool {
	return rec.Expired(s.now())
}

// EnforceRetention revokes every non-revoked token of the identity beyond the newest keep.
// Returns the number revoked.
func (s *RefreshStore) EnforceRetention(ctx context.Context, identityID, dom string, keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	return s.repo.RevokeBeyondNewest(ctx, identityID, dom, keep, s.now().UTC())
}

// RevokeAll revokes every non-revoked token of the identity. Returns the number revoked.
func (s *RefreshStore) RevokeAll(ctx context.Context, identityID, dom string) (int64, error) {
	return s.repo.RevokeAllByIdentity(ctx, identityID, dom, s.now().UTC())
}

// ListActive returns the identity's non-revoked tokens, newest first. Expired rows that were never
// touched are included; callers filter with Active.
func (s *RefreshStore) ListActive(ctx context.Context, identityID, dom string) ([]*domain.RefreshToken, error) {
	return s.repo.ListActiveByIdentity(ctx, identityID, dom)
}
