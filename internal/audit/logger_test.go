package audit

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cassette-repair-tracker/backend/internal/audit/domain"
)

type mockAuditRepo struct {
	entries   []*domain.AuditLog
	createErr error
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) ListByIdentity(ctx context.Context, dom, identityID string, limit, offset int32) ([]*domain.AuditLog, error) {
	return m.entries, nil
}

func TestLogger_LogEvent(t *testing.T) {
	repo := &mockAuditRepo{}
	l := NewLogger(repo, func(context.Context) string { return "10.0.0.7" }, nil)

	l.LogEvent(context.Background(), "bank", "id-1", domain.ActionLoginSuccess, "")

	if len(repo.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(repo.entries))
	}
	e := repo.entries[0]
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Error("ID and CreatedAt must be set")
	}
	if e.Domain != "bank" || e.IdentityID != "id-1" || e.Action != domain.ActionLoginSuccess || e.IP != "10.0.0.7" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestLogger_DefaultsForUnknownDomainAndIP(t *testing.T) {
	repo := &mockAuditRepo{}
	l := NewLogger(repo, nil, nil)

	l.LogEvent(context.Background(), "", "", domain.ActionLoginFailure, "username=alice")

	e := repo.entries[0]
	if e.Domain != SentinelDomain {
		t.Errorf("domain = %q, want %q", e.Domain, SentinelDomain)
	}
	if e.IP != "unknown" {
		t.Errorf("ip = %q, want unknown", e.IP)
	}
}

func TestLogger_CreateFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	repo := &mockAuditRepo{createErr: errors.New("db down")}
	l := NewLogger(repo, nil, zap.New(core))

	l.LogEvent(context.Background(), "vendor", "id-2", domain.ActionLogout, "")

	if logs.Len() != 1 {
		t.Fatalf("warn logs = %d, want 1", logs.Len())
	}
}

func TestLogger_NilRepoIsNoop(t *testing.T) {
	var l *Logger
	l.LogEvent(context.Background(), "bank", "id", domain.ActionLogout, "")
	NewLogger(nil, nil, nil).LogEvent(context.Background(), "bank", "id", domain.ActionLogout, "")
}
