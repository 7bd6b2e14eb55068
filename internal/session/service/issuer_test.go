package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	auditdomain "cassette-repair-tracker/backend/internal/audit/domain"
	identitydomain "cassette-repair-tracker/backend/internal/identity/domain"
	identityrepo "cassette-repair-tracker/backend/internal/identity/repository"
	identityservice "cassette-repair-tracker/backend/internal/identity/service"
	"cassette-repair-tracker/backend/internal/mfa"
	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/security"
	"cassette-repair-tracker/backend/internal/session/repository"
)

type auditRecorder struct {
	mu       sync.Mutex
	actions  []string
	metadata []string
}

func (r *auditRecorder) LogEvent(ctx context.Context, dom, identityID, action, metadata string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	r.metadata = append(r.metadata, metadata)
}

func (r *auditRecorder) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a == action {
			return true
		}
	}
	return false
}

// lockstepFinds wraps a resolver so that FindByID returns only after every expected caller has
// loaded the identity. Concurrent redemptions then all start from the same stored backup codes.
type lockstepFinds struct {
	*identityservice.Resolver
	loaded *sync.WaitGroup
}

func (l lockstepFinds) FindByID(ctx context.Context, d identitydomain.Domain, id string) (*identitydomain.Identity, error) {
	ident, err := l.Resolver.FindByID(ctx, d, id)
	l.loaded.Done()
	l.loaded.Wait()
	return ident, err
}

// flakyUpdates wraps a resolver and fails every Update.
type flakyUpdates struct {
	*identityservice.Resolver
}

func (f flakyUpdates) Update(context.Context, identitydomain.Domain, string, identitydomain.Patch) error {
	return errors.New("write timeout")
}

type harness struct {
	clock   *fakeClock
	issuer  *Issuer
	repo    *repository.MemoryRepository
	stores  map[identitydomain.Domain]*identityrepo.MemoryStore
	engine  *mfa.Engine
	tokens  *security.TokenProvider
	audit   *auditRecorder
	secret  string
	backups []string
}

const (
	plainUser  = "teller"
	plainPass  = "teller-pass"
	mfaUser    = "tech"
	mfaPass    = "tech-pass"
	mfaID      = "int-1"
	plainID    = "bank-1"
	vendorUser = "courier"
)

func newHarness(t *testing.T, cfg IssuerConfig, wrap func(*identityservice.Resolver) IdentityResolver) *harness {
	t.Helper()
	clock := newClock()
	hasher := security.NewHasher(4)
	hash := func(pw string) string {
		h, err := hasher.Hash([]byte(pw))
		require.NoError(t, err)
		return h
	}

	engine := mfa.NewEngine("Test").WithClock(clock.Now)
	enr, err := engine.GenerateSecret(mfaUser)
	require.NoError(t, err)
	backups, err := mfa.GenerateBackupCodes(3)
	require.NoError(t, err)

	stores := map[identitydomain.Domain]*identityrepo.MemoryStore{}
	reg := map[identitydomain.Domain]identityrepo.Store{}
	for _, d := range identitydomain.Domains {
		stores[d] = identityrepo.NewMemoryStore(d)
		reg[d] = stores[d]
	}
	stores[identitydomain.DomainInternal].Put(&identitydomain.Identity{
		ID: mfaID, Username: mfaUser, PasswordHash: hash(mfaPass),
		Role: identitydomain.RoleTechnician, Status: identitydomain.StatusActive,
		Linkage:          identitydomain.Linkage{DepartmentID: "dep-1"},
		TwoFactorEnabled: true, TwoFactorSecret: enr.Secret, TwoFactorBackupCodes: mfa.HashBackupCodes(backups),
	})
	stores[identitydomain.DomainBank].Put(&identitydomain.Identity{
		ID: plainID, Username: plainUser, PasswordHash: hash(plainPass),
		Role: identitydomain.RoleBankOperator, Status: identitydomain.StatusActive,
		Linkage: identitydomain.Linkage{BankID: "bank-9"},
	})
	stores[identitydomain.DomainVendor].Put(&identitydomain.Identity{
		ID: "ven-1", Username: vendorUser, PasswordHash: hash("courier-pass"),
		Role: identitydomain.RoleVendorAgent, Status: identitydomain.StatusActive,
		Linkage: identitydomain.Linkage{VendorID: "ven-2"},
	})

	resolver := identityservice.NewResolver(identityrepo.NewRegistry(reg), hasher)
	var identities IdentityResolver = resolver
	if wrap != nil {
		identities = wrap(resolver)
	}

	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	tokens.WithClock(clock.Now)

	repo := repository.NewMemoryRepository()
	store := NewRefreshStore(repo, DefaultRefreshTTL).WithClock(clock.Now)
	rec := &auditRecorder{}
	guard := mfa.NewMemoryStepGuard().WithClock(clock.Now)
	issuer := NewIssuer(identities, tokens, store, engine, guard, rec, nil, nil, cfg).WithClock(clock.Now)

	return &harness{
		clock: clock, issuer: issuer, repo: repo, stores: stores, engine: engine,
		tokens: tokens, audit: rec, secret: enr.Secret, backups: backups,
	}
}

func (h *harness) code(t *testing.T) string {
	t.Helper()
	c, err := h.engine.CodeAt(h.secret, h.clock.t)
	require.NoError(t, err)
	return c
}

func (h *harness) activeCount(identityID string) int {
	n := 0
	for _, tok := range h.repo.All() {
		if tok.IdentityID == identityID && !tok.Revoked {
			n++
		}
	}
	return n
}

func TestLogin_WithoutTwoFactorIssuesSession(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, plainUser, plainPass)
	require.NoError(t, err)
	require.False(t, res.TwoFactorRequired)
	require.Empty(t, res.TempToken)
	require.NotNil(t, res.Session)

	sess := res.Session
	require.NotEmpty(t, sess.RefreshToken)
	require.Equal(t, identitydomain.DomainBank, sess.Identity.Domain)
	require.Equal(t, "bank-9", sess.Identity.Linkage.BankID)
	require.NotNil(t, sess.Identity.LastLoginAt)
	require.Equal(t, h.clock.t.Add(7*24*time.Hour), sess.RefreshTokenExpiresAt)

	claims, err := h.tokens.ValidateAccess(sess.AccessToken)
	require.NoError(t, err)
	require.Equal(t, plainID, claims.Subject)
	require.Equal(t, "bank", claims.Domain)
	require.Equal(t, "BANK_OPERATOR", claims.Role)
	require.Equal(t, "bank-9", claims.BankID)
	require.Equal(t, h.clock.t.Add(15*time.Minute), sess.AccessTokenExpiresAt)

	stored, err := h.stores[identitydomain.DomainBank].FindByID(ctx, plainID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
	require.True(t, h.audit.has(auditdomain.ActionLoginSuccess))
}

func TestLogin_BadCredentialsAreGeneric(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)

	_, err := h.issuer.Login(context.Background(), plainUser, "wrong")
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	_, err2 := h.issuer.Login(context.Background(), "nobody", "wrong")
	require.ErrorIs(t, err2, apperr.ErrAuthentication)
	require.Equal(t, err.(*apperr.Error).Message, err2.(*apperr.Error).Message)
	require.True(t, h.audit.has(auditdomain.ActionLoginFailure))
	require.Empty(t, h.repo.All())
}

func TestLogin_FailureAuditDoesNotStoreUsername(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)

	typed := "hunter2-typed-in-username"
	_, err := h.issuer.Login(context.Background(), typed, "wrong")
	require.ErrorIs(t, err, apperr.ErrAuthentication)

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.Equal(t, []string{auditdomain.ActionLoginFailure}, h.audit.actions)
	require.NotContains(t, h.audit.metadata[0], typed)
	require.Equal(t, usernameDigest(typed), h.audit.metadata[0])
	require.NotEqual(t, usernameDigest("other"), h.audit.metadata[0])
}

func TestLogin_WithTwoFactorIssuesOnlyTempToken(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)

	res, err := h.issuer.Login(context.Background(), mfaUser, mfaPass)
	require.NoError(t, err)
	require.True(t, res.TwoFactorRequired)
	require.NotEmpty(t, res.TempToken)
	require.Nil(t, res.Session)
	require.Empty(t, h.repo.All(), "no refresh token may exist before the second factor")
	require.Equal(t, h.clock.t.Add(5*time.Minute), res.TempTokenExpiresAt)

	_, err = h.tokens.ValidateAccess(res.TempToken)
	require.Error(t, err, "temp token must not work as an access token")
}

func TestVerifyLogin2FA_CorrectCodeIssuesSession(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)

	sess, err := h.issuer.VerifyLogin2FA(ctx, res.TempToken, h.code(t))
	require.NoError(t, err)
	require.NotEmpty(t, sess.RefreshToken)
	require.Equal(t, mfaID, sess.Identity.ID)
	require.Equal(t, "dep-1", sess.Identity.Linkage.DepartmentID)
	require.Equal(t, 1, h.activeCount(mfaID))
}

func TestVerifyLogin2FA_TempTokenExpiresAfterFiveMinutes(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	_, err = h.issuer.VerifyLogin2FA(ctx, res.TempToken, h.code(t))
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	require.Empty(t, h.repo.All())
}

func TestVerifyLogin2FA_RejectsAccessToken(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	access, _, err := h.tokens.IssueAccess(security.Principal{ID: mfaID, Domain: "internal", Role: "TECHNICIAN"})
	require.NoError(t, err)

	_, err = h.issuer.VerifyLogin2FA(ctx, access, h.code(t))
	require.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestVerifyLogin2FA_WrongAndMalformedCodes(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)

	wrong, err := h.engine.CodeAt(h.secret, h.clock.t.Add(-2*mfa.Period))
	require.NoError(t, err)
	if wrong == h.code(t) {
		t.Skip("codes collide for adjacent windows")
	}
	_, err = h.issuer.VerifyLogin2FA(ctx, res.TempToken, wrong)
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	require.True(t, h.audit.has(auditdomain.ActionLogin2FAFailure))

	_, err = h.issuer.VerifyLogin2FA(ctx, res.TempToken, "12ab56")
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Empty(t, h.repo.All())
}

func TestVerifyLogin2FA_TwoFactorDisabledAfterChallenge(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)

	off, empty := false, ""
	require.NoError(t, h.stores[identitydomain.DomainInternal].Update(ctx, mfaID,
		identitydomain.Patch{TwoFactorEnabled: &off, TwoFactorSecret: &empty}))

	_, err = h.issuer.VerifyLogin2FA(ctx, res.TempToken, h.code(t))
	require.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestVerifyLogin2FA_CodeCannotBeReplayed(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	first, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)
	second, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)

	code := h.code(t)
	_, err = h.issuer.VerifyLogin2FA(ctx, first.TempToken, code)
	require.NoError(t, err)

	h.clock.Advance(mfa.Period)
	_, err = h.issuer.VerifyLogin2FA(ctx, second.TempToken, code)
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	require.Equal(t, 1, h.activeCount(mfaID))
}

func TestVerifyLoginBackupCode_SingleUse(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	first, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)
	sess, err := h.issuer.VerifyLoginBackupCode(ctx, first.TempToken, h.backups[1])
	require.NoError(t, err)
	require.NotEmpty(t, sess.RefreshToken)
	require.True(t, h.audit.has(auditdomain.ActionBackupCodeUsed))

	stored, err := h.stores[identitydomain.DomainInternal].FindByID(ctx, mfaID)
	require.NoError(t, err)
	require.Len(t, stored.TwoFactorBackupCodes, 2)

	second, err := h.issuer.Login(ctx, mfaUser, mfaPass)
	require.NoError(t, err)
	_, err = h.issuer.VerifyLoginBackupCode(ctx, second.TempToken, h.backups[1])
	require.ErrorIs(t, err, apperr.ErrAuthentication)

	_, err = h.issuer.VerifyLoginBackupCode(ctx, second.TempToken, "  ")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestVerifyLoginBackupCode_ConcurrentRedemptions(t *testing.T) {
	ctx := context.Background()

	t.Run("distinct codes both leave the store", func(t *testing.T) {
		loaded := &sync.WaitGroup{}
		loaded.Add(2)
		h := newHarness(t, IssuerConfig{}, func(r *identityservice.Resolver) IdentityResolver {
			return lockstepFinds{Resolver: r, loaded: loaded}
		})
		errs := h.redeemConcurrently(t, h.backups[0], h.backups[1])
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		stored, err := h.stores[identitydomain.DomainInternal].FindByID(ctx, mfaID)
		require.NoError(t, err)
		require.Equal(t, []string{mfa.HashBackupCode(h.backups[2])}, stored.TwoFactorBackupCodes)
	})

	t.Run("same code succeeds once", func(t *testing.T) {
		loaded := &sync.WaitGroup{}
		loaded.Add(2)
		h := newHarness(t, IssuerConfig{}, func(r *identityservice.Resolver) IdentityResolver {
			return lockstepFinds{Resolver: r, loaded: loaded}
		})
		errs := h.redeemConcurrently(t, h.backups[0], h.backups[0])
		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			} else {
				require.ErrorIs(t, err, apperr.ErrAuthentication)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, h.activeCount(mfaID))

		stored, err := h.stores[identitydomain.DomainInternal].FindByID(ctx, mfaID)
		require.NoError(t, err)
		require.Len(t, stored.TwoFactorBackupCodes, 2)
	})
}

// redeemConcurrently obtains one temp token per code, before any redemption starts, then
// redeems all codes at once.
func (h *harness) redeemConcurrently(t *testing.T, codes ...string) []error {
	t.Helper()
	ctx := context.Background()
	temps := make([]string, len(codes))
	for i := range codes {
		res, err := h.issuer.Login(ctx, mfaUser, mfaPass)
		require.NoError(t, err)
		temps[i] = res.TempToken
	}
	errs := make([]error, len(codes))
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, errs[i] = h.issuer.VerifyLoginBackupCode(ctx, temps[i], code)
		}(i, code)
	}
	wg.Wait()
	return errs
}

func TestIssueSession_RetentionKeepsNewestFour(t *testing.T) {
	h := newHarness(t, IssuerConfig{RetentionKeep: 4}, nil)
	ctx := context.Background()

	var values []string
	for i := 0; i < 5; i++ {
		res, err := h.issuer.Login(ctx, plainUser, plainPass)
		require.NoError(t, err)
		values = append(values, res.Session.RefreshToken)
		h.clock.Advance(time.Second)
	}

	require.Equal(t, 4, h.activeCount(plainID))
	_, err := h.issuer.Refresh(ctx, values[0])
	require.Equal(t, ReasonRevoked, apperr.ReasonOf(err))
	for _, v := range values[1:] {
		_, err := h.issuer.Refresh(ctx, v)
		require.NoError(t, err)
	}
}

func TestIssueSession_LastLoginFailureDoesNotFailLogin(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, func(r *identityservice.Resolver) IdentityResolver {
		return flakyUpdates{r}
	})

	res, err := h.issuer.Login(context.Background(), plainUser, plainPass)
	require.NoError(t, err)
	require.NotEmpty(t, res.Session.RefreshToken)
	require.Nil(t, res.Session.Identity.LastLoginAt)
}

func TestRefresh_ReturnsSameValueWithoutRotation(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, plainUser, plainPass)
	require.NoError(t, err)
	h.clock.Advance(20 * time.Minute)

	out, err := h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, res.Session.RefreshToken, out.RefreshToken)
	require.Equal(t, res.Session.RefreshTokenExpiresAt, out.RefreshTokenExpiresAt)
	claims, err := h.tokens.ValidateAccess(out.AccessToken)
	require.NoError(t, err)
	require.Equal(t, plainID, claims.Subject)
	require.Equal(t, 1, h.activeCount(plainID))
}

func TestRefresh_RotationRevokesOldValue(t *testing.T) {
	h := newHarness(t, IssuerConfig{Rotation: true}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, plainUser, plainPass)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	out, err := h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, res.Session.RefreshToken, out.RefreshToken)
	require.Equal(t, res.Session.RefreshTokenExpiresAt, out.RefreshTokenExpiresAt)

	_, err = h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.Equal(t, ReasonRevoked, apperr.ReasonOf(err))
	require.Equal(t, 1, h.activeCount(plainID))
}

func TestRefresh_ExpiredTokenIsRevokedOnTouch(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, plainUser, plainPass)
	require.NoError(t, err)
	h.clock.Advance(7*24*time.Hour + time.Second)

	_, err = h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	require.Equal(t, ReasonExpired, apperr.ReasonOf(err))

	all := h.repo.All()
	require.Len(t, all, 1)
	require.True(t, all[0].Revoked)
	revokedAt := *all[0].RevokedAt

	h.clock.Advance(time.Minute)
	_, err2 := h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.Equal(t, err.Error(), err2.Error())
	all = h.repo.All()
	require.Len(t, all, 1)
	require.Equal(t, revokedAt, *all[0].RevokedAt)
}

func TestRefresh_UnknownAndInactive(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	_, err := h.issuer.Refresh(ctx, "not-a-token")
	require.Equal(t, ReasonInvalid, apperr.ReasonOf(err))
	_, err = h.issuer.Refresh(ctx, "")
	require.ErrorIs(t, err, apperr.ErrAuthentication)

	res, err := h.issuer.Login(ctx, vendorUser, "courier-pass")
	require.NoError(t, err)
	h.stores[identitydomain.DomainVendor].Put(&identitydomain.Identity{
		ID: "ven-1", Username: vendorUser, Role: identitydomain.RoleVendorAgent,
		Status: identitydomain.StatusInactive, Linkage: identitydomain.Linkage{VendorID: "ven-2"},
	})
	_, err = h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestLogout_IsIdempotent(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	res, err := h.issuer.Login(ctx, plainUser, plainPass)
	require.NoError(t, err)

	h.issuer.Logout(ctx, res.Session.RefreshToken)
	h.issuer.Logout(ctx, res.Session.RefreshToken)
	h.issuer.Logout(ctx, "never-existed")
	h.issuer.Logout(ctx, "")

	require.Equal(t, 0, h.activeCount(plainID))
	_, err = h.issuer.Refresh(ctx, res.Session.RefreshToken)
	require.Equal(t, ReasonRevoked, apperr.ReasonOf(err))
	require.True(t, h.audit.has(auditdomain.ActionLogout))
}

func TestRevokeAll(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.issuer.Login(ctx, plainUser, plainPass)
		require.NoError(t, err)
	}
	n, err := h.issuer.RevokeAll(ctx, plainID, identitydomain.DomainBank)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Equal(t, 0, h.activeCount(plainID))
	require.True(t, h.audit.has(auditdomain.ActionSessionsRevoked))

	_, err = h.issuer.RevokeAll(ctx, plainID, "partner")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestActiveSessions_SkipsExpiredAndRevoked(t *testing.T) {
	h := newHarness(t, IssuerConfig{}, nil)
	ctx := context.Background()

	stale, err := h.issuer.Login(ctx, plainUser, plainPass)
	require.NoError(t, err)
	h.clock.Advance(7*24*time.Hour + time.Second)

	var fresh []string
	for i := 0; i < 3; i++ {
		res, err := h.issuer.Login(ctx, plainUser, plainPass)
		require.NoError(t, err)
		fresh = append(fresh, res.Session.RefreshToken)
		h.clock.Advance(time.Second)
	}
	h.issuer.Logout(ctx, fresh[0])

	got, err := h.issuer.ActiveSessions(ctx, plainID, identitydomain.DomainBank)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].IssuedAt.After(got[1].IssuedAt))
	for _, rec := range got {
		require.NotEqual(t, security.HashRefreshToken(stale.Session.RefreshToken), rec.TokenHash)
		require.NotEqual(t, security.HashRefreshToken(fresh[0]), rec.TokenHash)
	}

	_, err = h.issuer.ActiveSessions(ctx, plainID, "partner")
	require.ErrorIs(t, err, apperr.ErrValidation)
}
