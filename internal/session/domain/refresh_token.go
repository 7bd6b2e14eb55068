package domain

import "time"

// RefreshToken is a persisted refresh token record. The opaque value itself is never stored,
// only its SHA-256 hash. Rows are never deleted; revoked rows remain as an audit trail.
type RefreshToken struct {
	ID         string
	TokenHash  string
	IdentityID string
	Domain     string
	IssuedAt   time.Time
	ExpiresAt  time.Time // fixed at creation; never extended
	Revoked    bool
	RevokedAt  *time.Time // nil when not revoked
	Seq        int64      // insertion order; tie-breaker for newest-first ordering
}

// Expired reports whether the token's fixed expiry is at or before now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Active reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}
