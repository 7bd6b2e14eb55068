package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cassette-repair-tracker/backend/internal/audit"
	auditdomain "cassette-repair-tracker/backend/internal/audit/domain"
	identitydomain "cassette-repair-tracker/backend/internal/identity/domain"
	"cassette-repair-tracker/backend/internal/mfa"
	"cassette-repair-tracker/backend/internal/platform/apperr"
)

// IdentityStore loads and updates identities by domain and id.
type IdentityStore interface {
	FindByID(ctx context.Context, d identitydomain.Domain, id string) (*identitydomain.Identity, error)
	Update(ctx context.Context, d identitydomain.Domain, id string, patch identitydomain.Patch) error
}

// SetupResult is returned by Setup. The secret is shown for manual entry alongside the QR image.
type SetupResult struct {
	Secret  string
	URI     string
	QRImage string
}

// VerifySetupResult carries the plaintext backup codes. They are never retrievable again.
type VerifySetupResult struct {
	BackupCodes []string
	Identity    identitydomain.Summary
}

// EnrollmentManager runs the two-factor setup, verify and disable workflow.
type EnrollmentManager struct {
	identities  IdentityStore
	engine      *mfa.Engine
	audit       audit.AuditLogger
	log         *zap.Logger
	backupCount int
}

// NewEnrollmentManager returns an EnrollmentManager. auditLog and log may be nil.
func NewEnrollmentManager(identities IdentityStore, engine *mfa.Engine, auditLog audit.AuditLogger, log *zap.Logger, backupCount int) *EnrollmentManager {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if backupCount <= 0 {
		backupCount = mfa.DefaultBackupCodeCount
	}
	return &EnrollmentManager{identities: identities, engine: engine, audit: auditLog, log: log, backupCount: backupCount}
}

// Setup generates a fresh secret and stores it as pending. Calling Setup again before VerifySetup
// replaces the pending secret. Identities with two-factor already enabled must disable first.
func (m *EnrollmentManager) Setup(ctx context.Context, d identitydomain.Domain, id string) (*SetupResult, error) {
	ident, err := m.identities.FindByID(ctx, d, id)
	if err != nil {
		return nil, err
	}
	if ident.TwoFactorEnabled {
		return nil, apperr.Conflict("two-factor already enabled")
	}
	enr, err := m.engine.GenerateSecret(ident.Username)
	if err != nil {
		return nil, err
	}
	qr, err := m.engine.RenderQR(enr.URI)
	if err != nil {
		return nil, err
	}
	if err := m.identities.Update(ctx, d, id, identitydomain.Patch{TwoFactorSecret: &enr.Secret}); err != nil {
		return nil, fmt.Errorf("storing pending secret: %w", err)
	}
	m.audit.LogEvent(ctx, string(d), id, auditdomain.Action2FASetup, "")
	return &SetupResult{Secret: enr.Secret, URI: enr.URI, QRImage: qr}, nil
}

// VerifySetup confirms the pending secret with a code, enables two-factor and issues a new set of
// backup codes. Without a pending secret it fails with a conflict.
func (m *EnrollmentManager) VerifySetup(ctx context.Context, d identitydomain.Domain, id, code string) (*VerifySetupResult, error) {
	if err := mfa.ValidateCodeFormat(code); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	ident, err := m.identities.FindByID(ctx, d, id)
	if err != nil {
		return nil, err
	}
	if ident.TwoFactorSecret == "" {
		return nil, apperr.Conflict("setup not initiated")
	}
	if !m.engine.VerifyCode(ident.TwoFactorSecret, code) {
		return nil, apperr.Authentication("wrong totp code")
	}
	codes, err := mfa.GenerateBackupCodes(m.backupCount)
	if err != nil {
		return nil, err
	}
	enabled := true
	hashes := mfa.HashBackupCodes(codes)
	patch := identitydomain.Patch{TwoFactorEnabled: &enabled, TwoFactorBackupCodes: &hashes}
	if err := m.identities.Update(ctx, d, id, patch); err != nil {
		return nil, fmt.Errorf("enabling two-factor: %w", err)
	}
	patch.Apply(ident)
	m.audit.LogEvent(ctx, string(d), id, auditdomain.Action2FAEnabled, "")
	return &VerifySetupResult{BackupCodes: codes, Identity: ident.Summary()}, nil
}

// Disable verifies a current code and then clears enabled, secret and backup codes together.
// A wrong code leaves every two-factor field unchanged.
func (m *EnrollmentManager) Disable(ctx context.Context, d identitydomain.Domain, id, code string) (*identitydomain.Summary, error) {
	if err := mfa.ValidateCodeFormat(code); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	ident, err := m.identities.FindByID(ctx, d, id)
	if err != nil {
		return nil, err
	}
	if !ident.TwoFactorEnabled || ident.TwoFactorSecret == "" {
		return nil, apperr.Authentication("two-factor not enabled")
	}
	if !m.engine.VerifyCode(ident.TwoFactorSecret, code) {
		return nil, apperr.Authentication("wrong totp code")
	}
	disabled, empty := false, ""
	none := []string{}
	patch := identitydomain.Patch{TwoFactorEnabled: &disabled, TwoFactorSecret: &empty, TwoFactorBackupCodes: &none}
	if err := m.identities.Update(ctx, d, id, patch); err != nil {
		return nil, fmt.Errorf("disabling two-factor: %w", err)
	}
	patch.Apply(ident)
	m.audit.LogEvent(ctx, string(d), id, auditdomain.Action2FADisabled, "")
	sum := ident.Summary()
	return &sum, nil
}
