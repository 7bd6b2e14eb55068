package repository

import (
	"context"
	"database/sql"
	"fmt"

	"cassette-repair-tracker/backend/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the audit log entry. The entry must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, domain, identity_id, action, ip, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Domain, sql.NullString{String: a.IdentityID, Valid: a.IdentityID != ""}, a.Action, a.IP,
		sql.NullString{String: a.Metadata, Valid: a.Metadata != ""}, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating audit log: %w", err)
	}
	return nil
}

// ListByIdentity returns audit logs for the identity, newest first, paginated by limit and offset.
func (r *PostgresRepository) ListByIdentity(ctx context.Context, dom, identityID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, domain, identity_id, action, ip, metadata, created_at FROM audit_logs
		 WHERE domain = $1 AND identity_id = $2
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`, dom, identityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		var (
			a          domain.AuditLog
			identityID sql.NullString
			metadata   sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Domain, &identityID, &a.Action, &a.IP, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log: %w", err)
		}
		a.IdentityID = identityID.String
		a.Metadata = metadata.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
