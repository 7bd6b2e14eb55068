// seed inserts development identities for local testing, one or more per domain.
// Idempotent: identities whose username already exists in their domain are skipped.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cassette-repair-tracker/backend/internal/config"
	"cassette-repair-tracker/backend/internal/db"
	"cassette-repair-tracker/backend/internal/identity/domain"
	identityrepo "cassette-repair-tracker/backend/internal/identity/repository"
	"cassette-repair-tracker/backend/internal/logging"
	"cassette-repair-tracker/backend/internal/security"
)

const devPassword = "password123"

type seedIdentity struct {
	domain      domain.Domain
	username    string
	email       string
	displayName string
	role        domain.Role
	linkage     domain.Linkage
}

var seeds = []seedIdentity{
	{domain.DomainInternal, "ops.admin", "ops.admin@example.com", "Ops Admin", domain.RoleSuperAdmin, domain.Linkage{DepartmentID: "dept-ops"}},
	{domain.DomainInternal, "tech.one", "tech.one@example.com", "Field Technician", domain.RoleTechnician, domain.Linkage{DepartmentID: "dept-repair"}},
	{domain.DomainBank, "branch.lead", "branch.lead@example.com", "Branch Lead", domain.RoleBankAdmin, domain.Linkage{BankID: "bank-001"}},
	{domain.DomainBank, "teller", "teller@example.com", "Teller", domain.RoleBankOperator, domain.Linkage{BankID: "bank-001"}},
	{domain.DomainVendor, "courier", "courier@example.com", "Courier", domain.RoleVendorAgent, domain.Linkage{VendorID: "vendor-001"}},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(true, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if cfg.IsProduction() {
		logger.Fatal("refusing to seed development identities in production")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolOptions)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		logger.Fatal("hash password", zap.Error(err))
	}

	created := 0
	for _, s := range seeds {
		store, err := identityrepo.NewPostgresStore(conn, s.domain)
		if err != nil {
			logger.Fatal("identity store", zap.Error(err))
		}
		existing, err := store.FindByUsername(ctx, s.username)
		if err != nil {
			logger.Fatal("seed check", zap.String("username", s.username), zap.Error(err))
		}
		if existing != nil {
			logger.Info("seed identity exists, skipping", zap.String("domain", string(s.domain)), zap.String("username", s.username))
			continue
		}
		err = store.Create(ctx, &domain.Identity{
			ID:           uuid.NewString(),
			Username:     s.username,
			Email:        s.email,
			PasswordHash: passwordHash,
			DisplayName:  s.displayName,
			Role:         s.role,
			Status:       domain.StatusActive,
			Linkage:      s.linkage,
		})
		if err != nil {
			logger.Fatal("create identity", zap.String("username", s.username), zap.Error(err))
		}
		created++
	}
	logger.Info("seed complete", zap.Int("created", created), zap.String("password", devPassword))
}
