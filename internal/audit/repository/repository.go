package repository

import (
	"context"

	"cassette-repair-tracker/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	ListByIdentity(ctx context.Context, dom, identityID string, limit, offset int32) ([]*domain.AuditLog, error)
}
