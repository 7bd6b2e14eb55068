package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cassette-repair-tracker/backend/internal/audit"
	auditdomain "cassette-repair-tracker/backend/internal/audit/domain"
	identitydomain "cassette-repair-tracker/backend/internal/identity/domain"
	"cassette-repair-tracker/backend/internal/mfa"
	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/security"
	sessiondomain "cassette-repair-tracker/backend/internal/session/domain"
	"cassette-repair-tracker/backend/internal/telemetry"
)

// Refresh failure reasons carried on the authentication error.
const (
	ReasonInvalid = "invalid"
	ReasonRevoked = "revoked"
	ReasonExpired = "expired"
)

// IdentityResolver is the identity capability the issuer needs.
type IdentityResolver interface {
	Resolve(ctx context.Context, username, password string) (*identitydomain.Identity, error)
	FindByID(ctx context.Context, d identitydomain.Domain, id string) (*identitydomain.Identity, error)
	Update(ctx context.Context, d identitydomain.Domain, id string, patch identitydomain.Patch) error
	ConsumeBackupCode(ctx context.Context, d identitydomain.Domain, id, hash string) (bool, error)
}

// Session is the result of a fully established login.
type Session struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	Identity              identitydomain.Summary
}

// LoginResult is either a Session or a pending two-factor challenge, never both.
type LoginResult struct {
	TwoFactorRequired  bool
	TempToken          string
	TempTokenExpiresAt time.Time
	Session            *Session
}

// RefreshResult carries a new access token and the refresh token the client should keep.
// Without rotation RefreshToken is the presented value.
type RefreshResult struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// IssuerConfig holds the issuer's tunables.
type IssuerConfig struct {
	RetentionKeep int
	Rotation      bool
}

// Issuer runs the login, two-factor, refresh and logout state machine.
type Issuer struct {
	identities IdentityResolver
	tokens     *security.TokenProvider
	refresh    *RefreshStore
	totp       *mfa.Engine
	guard      mfa.StepGuard
	audit      audit.AuditLogger
	inst       *telemetry.Instruments
	log        *zap.Logger
	keep       int
	rotate     bool
	now        func() time.Time
}

// NewIssuer returns an Issuer. guard may be nil to disable TOTP replay protection;
// auditLog, inst and log may be nil.
func NewIssuer(
	identities IdentityResolver,
	tokens *security.TokenProvider,
	refresh *RefreshStore,
	engine *mfa.Engine,
	guard mfa.StepGuard,
	auditLog audit.AuditLogger,
	inst *telemetry.Instruments,
	log *zap.Logger,
	cfg IssuerConfig,
) *Issuer {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if inst == nil {
		inst = telemetry.Noop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	keep := cfg.RetentionKeep
	if keep <= 0 {
		keep = DefaultRetention
	}
	return &Issuer{
		identities: identities,
		tokens:     tokens,
		refresh:    refresh,
		totp:       engine,
		guard:      guard,
		audit:      auditLog,
		inst:       inst,
		log:        log,
		keep:       keep,
		rotate:     cfg.Rotation,
		now:        time.Now,
	}
}

// WithClock replaces the issuer's time source. Returns s for chaining.
func (s *Issuer) WithClock(now func() time.Time) *Issuer {
	if now != nil {
		s.now = now
	}
	return s
}

// Login verifies credentials. Without two-factor a session is issued directly; with two-factor
// only a temporary token is returned and no refresh or access token exists yet.
func (s *Issuer) Login(ctx context.Context, username, password string) (_ *LoginResult, err error) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.Login")
	defer endSpan(span, &err)

	ident, err := s.identities.Resolve(ctx, username, password)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAuthentication {
			s.recordAttempt(ctx, telemetry.OutcomeFailure)
			s.audit.LogEvent(ctx, "", "", auditdomain.ActionLoginFailure, usernameDigest(username))
			return nil, err
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	span.SetAttributes(attribute.String("identity.domain", string(ident.Domain)))

	if !ident.TwoFactorEnabled {
		sess, err := s.IssueSession(ctx, ident)
		if err != nil {
			return nil, err
		}
		s.recordAttempt(ctx, telemetry.OutcomeSuccess)
		return &LoginResult{Session: sess}, nil
	}

	temp, exp, err := s.tokens.IssueTwoFactorTemp(ident.ID, string(ident.Domain))
	if err != nil {
		return nil, fmt.Errorf("issuing two-factor token: %w", err)
	}
	s.recordAttempt(ctx, telemetry.OutcomeTwoFactorRequired)
	s.audit.LogEvent(ctx, string(ident.Domain), ident.ID, auditdomain.ActionLogin2FAChallenge, "")
	return &LoginResult{TwoFactorRequired: true, TempToken: temp, TempTokenExpiresAt: exp}, nil
}

// VerifyLogin2FA completes a pending two-factor login with a TOTP code. The identity comes from
// the temporary token's own claims. Every failure is the same authentication error.
func (s *Issuer) VerifyLogin2FA(ctx context.Context, tempToken, code string) (_ *Session, err error) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.VerifyLogin2FA")
	defer endSpan(span, &err)

	if err := mfa.ValidateCodeFormat(code); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	ident, err := s.pendingIdentity(ctx, tempToken)
	if err != nil {
		return nil, err
	}
	step, ok := s.totp.MatchStep(ident.TwoFactorSecret, code)
	if !ok {
		s.twoFactorFailed(ctx, ident, "wrong code")
		return nil, apperr.Authentication("wrong totp code")
	}
	if s.guard != nil {
		claimed, err := s.guard.Claim(ctx, mfa.StepKey(string(ident.Domain), ident.ID), step)
		if err != nil {
			return nil, fmt.Errorf("verify two-factor: %w", err)
		}
		if !claimed {
			s.twoFactorFailed(ctx, ident, "code reused")
			return nil, apperr.Authentication("totp code already used")
		}
	}
	sess, err := s.IssueSession(ctx, ident)
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, telemetry.OutcomeSuccess)
	return sess, nil
}

// VerifyLoginBackupCode completes a pending two-factor login with a backup code. The matching hash
// is removed by the store in one conditional write before the session is issued, so each code
// works once even when redemptions overlap.
func (s *Issuer) VerifyLoginBackupCode(ctx context.Context, tempToken, backupCode string) (_ *Session, err error) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.VerifyLoginBackupCode")
	defer endSpan(span, &err)

	if mfa.NormalizeBackupCode(backupCode) == "" {
		return nil, apperr.Validation("backup code is required")
	}
	ident, err := s.pendingIdentity(ctx, tempToken)
	if err != nil {
		return nil, err
	}
	idx := mfa.MatchBackupCode(backupCode, ident.TwoFactorBackupCodes)
	if idx < 0 {
		s.twoFactorFailed(ctx, ident, "wrong backup code")
		return nil, apperr.Authentication("backup code not recognized")
	}
	consumed, err := s.identities.ConsumeBackupCode(ctx, ident.Domain, ident.ID, ident.TwoFactorBackupCodes[idx])
	if err != nil {
		return nil, fmt.Errorf("consuming backup code: %w", err)
	}
	if !consumed {
		s.twoFactorFailed(ctx, ident, "backup code already used")
		return nil, apperr.Authentication("backup code already used")
	}
	ident.TwoFactorBackupCodes = append(ident.TwoFactorBackupCodes[:idx:idx], ident.TwoFactorBackupCodes[idx+1:]...)
	s.audit.LogEvent(ctx, string(ident.Domain), ident.ID, auditdomain.ActionBackupCodeUsed, "")

	sess, err := s.IssueSession(ctx, ident)
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, telemetry.OutcomeSuccess)
	return sess, nil
}

// pendingIdentity validates a temporary two-factor token and loads the identity it names.
// The identity must be active and have two-factor enabled with a stored secret.
func (s *Issuer) pendingIdentity(ctx context.Context, tempToken string) (*identitydomain.Identity, error) {
	claims, err := s.tokens.ValidateTwoFactorTemp(tempToken)
	if err != nil {
		s.recordAttempt(ctx, telemetry.OutcomeTwoFactorFailure)
		return nil, apperr.Authentication("invalid two-factor token")
	}
	d, err := identitydomain.ParseDomain(claims.Domain)
	if err != nil {
		return nil, apperr.Authentication("invalid two-factor token")
	}
	ident, err := s.identities.FindByID(ctx, d, claims.Subject)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Authentication("identity not found")
		}
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if !ident.Active() {
		return nil, apperr.Authentication("identity inactive")
	}
	if !ident.TwoFactorEnabled || ident.TwoFactorSecret == "" {
		return nil, apperr.Authentication("two-factor not enabled")
	}
	return ident, nil
}

func (s *Issuer) twoFactorFailed(ctx context.Context, ident *identitydomain.Identity, reason string) {
	s.recordAttempt(ctx, telemetry.OutcomeTwoFactorFailure)
	s.audit.LogEvent(ctx, string(ident.Domain), ident.ID, auditdomain.ActionLogin2FAFailure, reason)
}

// IssueSession mints an access token and a refresh token for ident, enforces the retention limit
// and records the login time. The refresh token is persisted before it is returned; retention and
// lastLoginAt failures are logged and do not fail the session.
func (s *Issuer) IssueSession(ctx context.Context, ident *identitydomain.Identity) (*Session, error) {
	access, accessExp, err := s.tokens.IssueAccess(principalOf(ident))
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}
	value, rec, err := s.refresh.Create(ctx, ident.ID, string(ident.Domain))
	if err != nil {
		return nil, err
	}
	evicted, err := s.refresh.EnforceRetention(ctx, ident.ID, string(ident.Domain), s.keep)
	if err != nil {
		s.log.Warn("session: retention enforcement failed",
			zap.String("domain", string(ident.Domain)),
			zap.String("identity_id", ident.ID),
			zap.Error(err))
	} else if evicted > 0 {
		s.inst.RefreshTokensEvicted.Add(ctx, evicted)
	}

	now := s.now().UTC()
	if err := s.identities.Update(ctx, ident.Domain, ident.ID, identitydomain.Patch{LastLoginAt: &now}); err != nil {
		s.log.Warn("session: failed to record last login",
			zap.String("domain", string(ident.Domain)),
			zap.String("identity_id", ident.ID),
			zap.Error(err))
	} else {
		ident.LastLoginAt = &now
	}
	s.audit.LogEvent(ctx, string(ident.Domain), ident.ID, auditdomain.ActionLoginSuccess, "")

	return &Session{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          value,
		RefreshTokenExpiresAt: rec.ExpiresAt,
		Identity:              ident.Summary(),
	}, nil
}

// Refresh exchanges a refresh token for a new access token. An expired token is revoked on touch.
// Unless rotation is enabled, the presented refresh token is returned unchanged.
func (s *Issuer) Refresh(ctx context.Context, value string) (_ *RefreshResult, err error) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.Refresh")
	defer endSpan(span, &err)

	rec, err := s.refresh.Lookup(ctx, value)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Authentication(ReasonInvalid)
		}
		return nil, fmt.Errorf("refresh: %w", err)
	}
	// Expiry is checked first so a second call on an expired token reports the same reason.
	if s.refresh.Expired(rec) {
		if err := s.refresh.Expire(ctx, rec); err != nil {
			return nil, fmt.Errorf("expiring refresh token: %w", err)
		}
		return nil, apperr.Authentication(ReasonExpired)
	}
	if rec.Revoked {
		return nil, apperr.Authentication(ReasonRevoked)
	}

	d, err := identitydomain.ParseDomain(rec.Domain)
	if err != nil {
		return nil, apperr.Authentication(ReasonInvalid)
	}
	ident, err := s.identities.FindByID(ctx, d, rec.IdentityID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Authentication(ReasonInvalid)
		}
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if !ident.Active() {
		return nil, apperr.Authentication("identity inactive")
	}

	access, accessExp, err := s.tokens.IssueAccess(principalOf(ident))
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}
	out := &RefreshResult{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          value,
		RefreshTokenExpiresAt: rec.ExpiresAt,
	}
	if s.rotate {
		newValue, newRec, err := s.refresh.Rotate(ctx, rec)
		if err != nil {
			return nil, err
		}
		out.RefreshToken, out.RefreshTokenExpiresAt = newValue, newRec.ExpiresAt
	}
	s.audit.LogEvent(ctx, rec.Domain, rec.IdentityID, auditdomain.ActionRefresh, "")
	return out, nil
}

// Logout revokes the refresh token if present. It never fails and never reveals whether the
// token existed; internal errors are logged.
func (s *Issuer) Logout(ctx context.Context, value string) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.Logout")
	defer span.End()

	if value == "" {
		return
	}
	rec, err := s.refresh.Revoke(ctx, value)
	if err != nil {
		span.RecordError(err)
		s.log.Warn("session: logout revoke failed", zap.Error(err))
		return
	}
	if rec != nil {
		s.audit.LogEvent(ctx, rec.Domain, rec.IdentityID, auditdomain.ActionLogout, "")
	}
}

// ActiveSessions returns the identity's refresh tokens that are neither revoked nor expired,
// newest first.
func (s *Issuer) ActiveSessions(ctx context.Context, identityID string, d identitydomain.Domain) (_ []*sessiondomain.RefreshToken, err error) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.ActiveSessions")
	defer endSpan(span, &err)

	if _, err := identitydomain.ParseDomain(string(d)); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	recs, err := s.refresh.ListActive(ctx, identityID, string(d))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	now := s.now()
	out := recs[:0]
	for _, rec := range recs {
		if rec.Active(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RevokeAll revokes every active refresh token of the identity. Returns the number revoked.
func (s *Issuer) RevokeAll(ctx context.Context, identityID string, d identitydomain.Domain) (_ int64, err error) {
	ctx, span := s.inst.Tracer.Start(ctx, "session.RevokeAll")
	defer endSpan(span, &err)

	if _, err := identitydomain.ParseDomain(string(d)); err != nil {
		return 0, apperr.Validation(err.Error())
	}
	n, err := s.refresh.RevokeAll(ctx, identityID, string(d))
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	s.audit.LogEvent(ctx, string(d), identityID, auditdomain.ActionSessionsRevoked, fmt.Sprintf("count=%d", n))
	return n, nil
}

func (s *Issuer) recordAttempt(ctx context.Context, outcome string) {
	s.inst.LoginAttempts.Add(ctx, 1, telemetry.OutcomeAttr(outcome))
}

func principalOf(ident *identitydomain.Identity) security.Principal {
	return security.Principal{
		ID:           ident.ID,
		Domain:       string(ident.Domain),
		Role:         string(ident.Role),
		DepartmentID: ident.Linkage.DepartmentID,
		BankID:       ident.Linkage.BankID,
		VendorID:     ident.Linkage.VendorID,
	}
}

// endSpan records unexpected errors on the span. Authentication and validation failures are
// expected outcomes and leave the span status unset.
func endSpan(span trace.Span, errp *error) {
	if err := *errp; err != nil {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// usernameDigest is the audit metadata for a failed login. The typed username is never stored.
func usernameDigest(username string) string {
	sum := sha256.Sum256([]byte(username))
	return "username_sha256=" + hex.EncodeToString(sum[:8])
}
