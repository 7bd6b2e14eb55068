package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cassette-repair-tracker/backend/internal/session/domain"
)

const refreshTokenColumns = `id, token_hash, identity_id, domain, issued_at, expires_at, revoked, revoked_at, seq`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a refresh token repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the token and fills t.Seq from the database. The insert commits before Create returns.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO refresh_tokens (id, token_hash, identity_id, domain, issued_at, expires_at, revoked, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		t.ID, t.TokenHash, t.IdentityID, t.Domain, t.IssuedAt.UTC(), t.ExpiresAt.UTC(), t.Revoked, timeToNullTime(t.RevokedAt),
	).Scan(&t.Seq)
	if err != nil {
		return fmt.Errorf("creating refresh token: %w", err)
	}
	return nil
}

// GetByTokenHash returns the token for tokenHash, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	t, err := scanRefreshToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting refresh token by hash: %w", err)
	}
	return t, nil
}

// Revoke marks the token revoked only if it is currently active; already-revoked rows keep their revoked_at.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE id = $1 AND revoked = false`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("revoking refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoking refresh token: %w", err)
	}
	return n > 0, nil
}

// RevokeAllByIdentity revokes every active token of the identity. Used for force-logout everywhere.
func (r *PostgresRepository) RevokeAllByIdentity(ctx context.Context, identityID, dom string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = $3
		 WHERE identity_id = $1 AND domain = $2 AND revoked = false`, identityID, dom, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoking all refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// RevokeBeyondNewest locks the identity's active rows (FOR UPDATE) so two concurrent sweeps serialize,
// then revokes everything past the newest keep rows. A concurrent insert that commits after the lock
// is taken can leave the identity briefly above keep; the next sweep corrects it.
func (r *PostgresRepository) RevokeBeyondNewest(ctx context.Context, identityID, dom string, keep int, at time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning retention transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM refresh_tokens
		 WHERE identity_id = $1 AND domain = $2 AND revoked = false
		 ORDER BY issued_at DESC, seq DESC
		 FOR UPDATE`, identityID, dom)
	if err != nil {
		return 0, fmt.Errorf("listing active refresh tokens: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning refresh token id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("listing active refresh tokens: %w", err)
	}
	rows.Close()

	if keep < 0 {
		keep = 0
	}
	var revoked int64
	for _, id := range ids[min(keep, len(ids)):] {
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE id = $1 AND revoked = false`, id, at.UTC())
		if err != nil {
			return 0, fmt.Errorf("revoking refresh token beyond retention: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("revoking refresh token beyond retention: %w", err)
		}
		revoked += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing retention transaction: %w", err)
	}
	return revoked, nil
}

// ListActiveByIdentity returns non-revoked tokens for the identity, newest first.
func (r *PostgresRepository) ListActiveByIdentity(ctx context.Context, identityID, dom string) ([]*domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens
		 WHERE identity_id = $1 AND domain = $2 AND revoked = false
		 ORDER BY issued_at DESC, seq DESC`, identityID, dom)
	if err != nil {
		return nil, fmt.Errorf("listing refresh tokens: %w", err)
	}
	defer rows.Close()
	var out []*domain.RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning refresh token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefreshToken(s rowScanner) (*domain.RefreshToken, error) {
	var (
		t         domain.RefreshToken
		revokedAt sql.NullTime
	)
	if err := s.Scan(&t.ID, &t.TokenHash, &t.IdentityID, &t.Domain, &t.IssuedAt, &t.ExpiresAt, &t.Revoked, &revokedAt, &t.Seq); err != nil {
		return nil, err
	}
	t.RevokedAt = nullTimeToPtr(revokedAt)
	return &t, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
