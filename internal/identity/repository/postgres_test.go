package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cassette-repair-tracker/backend/internal/db"
	"cassette-repair-tracker/backend/internal/db/migrate"
	"cassette-repair-tracker/backend/internal/identity/domain"
)

// openTestDB connects to TEST_DATABASE_URL and migrates it up. Skips when unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, migrate.Run(dsn, migrate.Up, nil))
	conn, err := db.Open(context.Background(), dsn, db.DefaultPoolOptions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNewPostgresStore_UnknownDomain(t *testing.T) {
	_, err := NewPostgresStore(nil, domain.Domain("partner"))
	require.ErrorIs(t, err, domain.ErrUnknownDomain)
}

func TestPostgresStore_CreateFindUpdate(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	s, err := NewPostgresStore(conn, domain.DomainBank)
	require.NoError(t, err)

	suffix := uuid.NewString()[:8]
	ident := &domain.Identity{
		ID:           uuid.NewString(),
		Username:     "teller-" + suffix,
		Email:        "teller-" + suffix + "@example.com",
		PasswordHash: "$2a$04$placeholder",
		DisplayName:  "Teller",
		Role:         domain.RoleBankOperator,
		Status:       domain.StatusActive,
		Linkage:      domain.Linkage{BankID: "bank-1"},
	}
	require.NoError(t, s.Create(ctx, ident))

	got, err := s.FindByUsername(ctx, ident.Username)
	require.NoError(t, err)
	require.Equal(t, ident.ID, got.ID)
	require.Equal(t, "bank-1", got.Linkage.BankID)
	require.Nil(t, got.TwoFactorBackupCodes)

	enabled := true
	secret := "JBSWY3DPEHPK3PXP"
	codes := []string{"a", "b"}
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.Update(ctx, ident.ID, domain.Patch{
		LastLoginAt:          &now,
		TwoFactorEnabled:     &enabled,
		TwoFactorSecret:      &secret,
		TwoFactorBackupCodes: &codes,
	}))

	got, err = s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.True(t, got.TwoFactorEnabled)
	require.Equal(t, secret, got.TwoFactorSecret)
	require.Equal(t, codes, got.TwoFactorBackupCodes)
	require.True(t, now.Equal(*got.LastLoginAt))

	ok, err := s.ConsumeBackupCode(ctx, ident.ID, "a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, ident.ID, "a")
	require.NoError(t, err)
	require.False(t, ok)
	got, err = s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, got.TwoFactorBackupCodes)

	empty := ""
	none := []string{}
	disabled := false
	require.NoError(t, s.Update(ctx, ident.ID, domain.Patch{
		TwoFactorEnabled:     &disabled,
		TwoFactorSecret:      &empty,
		TwoFactorBackupCodes: &none,
	}))
	got, err = s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.False(t, got.TwoFactorEnabled)
	require.Empty(t, got.TwoFactorSecret)
	require.Empty(t, got.TwoFactorBackupCodes)

	err = s.Update(ctx, uuid.NewString(), domain.Patch{LastLoginAt: &now})
	require.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestPostgresStore_CreateRejectsWrongLinkage(t *testing.T) {
	s := &PostgresStore{domain: domain.DomainVendor, spec: tables[domain.DomainVendor]}
	err := s.Create(context.Background(), &domain.Identity{
		ID: uuid.NewString(), Role: domain.RoleVendorAgent, Linkage: domain.Linkage{BankID: "bank-1"},
	})
	require.Error(t, err)
}
