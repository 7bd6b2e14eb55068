package repository

import (
	"context"
	"time"

	"cassette-repair-tracker/backend/internal/session/domain"
)

// Repository defines persistence for refresh tokens. Revocation is the only mutation and it is one-way:
// no method can clear Revoked once set.
type Repository interface {
	// Create persists t. When Create returns nil the row is durable and visible to GetByTokenHash.
	Create(ctx context.Context, t *domain.RefreshToken) error
	// GetByTokenHash returns the token with the given hash (revoked or not), or nil if not found.
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)
	// Revoke marks the token revoked at at if it is not already revoked. Returns whether a row changed.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	// RevokeAllByIdentity revokes every non-revoked token of the identity. Returns the number revoked.
	RevokeAllByIdentity(ctx context.Context, identityID, domain string, at time.Time) (int64, error)
	// RevokeBeyondNewest keeps the newest keep non-revoked tokens of the identity and revokes the rest,
	// under a consistent read. Returns the number revoked.
	RevokeBeyondNewest(ctx context.Context, identityID, domain string, keep int, at time.Time) (int64, error)
	// ListActiveByIdentity returns non-revoked tokens of the identity, newest first.
	ListActiveByIdentity(ctx context.Context, identityID, domain string) ([]*domain.RefreshToken, error)
}
