package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"cassette-repair-tracker/backend/internal/identity/domain"
)

// tableSpec names the table and linkage column backing one identity domain.
type tableSpec struct {
	table   string
	linkCol string
}

var tables = map[domain.Domain]tableSpec{
	domain.DomainInternal: {table: "internal_users", linkCol: "department_id"},
	domain.DomainBank:     {table: "bank_users", linkCol: "bank_id"},
	domain.DomainVendor:   {table: "vendor_users", linkCol: "vendor_id"},
}

// PostgresStore is the identity Store for one domain, backed by that domain's table.
type PostgresStore struct {
	db     *sql.DB
	domain domain.Domain
	spec   tableSpec
	types  *pgtype.Map
}

// NewPostgresStore returns the store for d using db for persistence.
func NewPostgresStore(db *sql.DB, d domain.Domain) (*PostgresStore, error) {
	spec, ok := tables[d]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, d)
	}
	return &PostgresStore{db: db, domain: d, spec: spec, types: pgtype.NewMap()}, nil
}

// NewPostgresRegistry returns a Registry with a PostgresStore for every domain.
func NewPostgresRegistry(db *sql.DB) *Registry {
	stores := make(map[domain.Domain]Store, len(domain.Domains))
	for _, d := range domain.Domains {
		s, _ := NewPostgresStore(db, d)
		stores[d] = s
	}
	return NewRegistry(stores)
}

func (s *PostgresStore) selectSQL(where string) string {
	return `SELECT id, username, email, password_hash, display_name, role, status, ` + s.spec.linkCol + `,
		two_factor_enabled, two_factor_secret, two_factor_backup_codes, last_login_at, created_at, updated_at
		FROM ` + s.spec.table + ` WHERE ` + where
}

// FindByUsername returns the identity for username, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return s.queryOne(ctx, s.selectSQL("username = $1"), username)
}

// FindByID returns the identity for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	return s.queryOne(ctx, s.selectSQL("id = $1"), id)
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, arg string) (*domain.Identity, error) {
	var (
		i           domain.Identity
		link        string
		secret      sql.NullString
		backupCodes []string
		lastLogin   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&i.ID, &i.Username, &i.Email, &i.PasswordHash, &i.DisplayName, &i.Role, &i.Status, &link,
		&i.TwoFactorEnabled, &secret, s.types.SQLScanner(&backupCodes), &lastLogin, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting %s identity: %w", s.domain, err)
	}
	i.Domain = s.domain
	i.Linkage = linkageFor(s.domain, link)
	if secret.Valid {
		i.TwoFactorSecret = secret.String
	}
	i.TwoFactorBackupCodes = backupCodes
	if lastLogin.Valid {
		t := lastLogin.Time
		i.LastLoginAt = &t
	}
	return &i, nil
}

// Update applies the non-nil fields of patch. Empty patches are a no-op.
func (s *PostgresStore) Update(ctx context.Context, id string, patch domain.Patch) error {
	if patch.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	if patch.LastLoginAt != nil {
		add("last_login_at", patch.LastLoginAt.UTC())
	}
	if patch.TwoFactorEnabled != nil {
		add("two_factor_enabled", *patch.TwoFactorEnabled)
	}
	if patch.TwoFactorSecret != nil {
		add("two_factor_secret", sql.NullString{String: *patch.TwoFactorSecret, Valid: *patch.TwoFactorSecret != ""})
	}
	if patch.TwoFactorBackupCodes != nil {
		codes := *patch.TwoFactorBackupCodes
		if len(codes) == 0 {
			add("two_factor_backup_codes", nil)
		} else {
			add("two_factor_backup_codes", codes)
		}
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)
	query := `UPDATE ` + s.spec.table + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = $` + strconv.Itoa(len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s identity: %w", s.domain, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s identity: %w", s.domain, err)
	}
	if n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// ConsumeBackupCode removes hash from two_factor_backup_codes with a single conditional UPDATE,
// so two callers presenting the same code cannot both succeed.
func (s *PostgresStore) ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.spec.table+`
		 SET two_factor_backup_codes = array_remove(two_factor_backup_codes, $2), updated_at = $3
		 WHERE id = $1 AND $2 = ANY(two_factor_backup_codes)`,
		id, hash, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("consuming %s backup code: %w", s.domain, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming %s backup code: %w", s.domain, err)
	}
	return n == 1, nil
}

// Create inserts i into the domain table. Used by the seed command; i.ID must be set.
func (s *PostgresStore) Create(ctx context.Context, i *domain.Identity) error {
	if err := i.Linkage.Validate(s.domain); err != nil {
		return err
	}
	if !domain.ValidRole(s.domain, i.Role) {
		return fmt.Errorf("role %q is not valid for domain %s", i.Role, s.domain)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.spec.table+` (id, username, email, password_hash, display_name, role, status, `+s.spec.linkCol+`,
			two_factor_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $9)`,
		i.ID, i.Username, i.Email, i.PasswordHash, i.DisplayName, string(i.Role), string(i.Status),
		linkValue(s.domain, i.Linkage), now,
	)
	if err != nil {
		return fmt.Errorf("creating %s identity: %w", s.domain, err)
	}
	i.Domain = s.domain
	i.CreatedAt, i.UpdatedAt = now, now
	return nil
}

func linkageFor(d domain.Domain, id string) domain.Linkage {
	switch d {
	case domain.DomainInternal:
		return domain.Linkage{DepartmentID: id}
	case domain.DomainBank:
		return domain.Linkage{BankID: id}
	case domain.DomainVendor:
		return domain.Linkage{VendorID: id}
	}
	return domain.Linkage{}
}

func linkValue(d domain.Domain, l domain.Linkage) string {
	switch d {
	case domain.DomainInternal:
		return l.DepartmentID
	case domain.DomainBank:
		return l.BankID
	case domain.DomainVendor:
		return l.VendorID
	}
	return ""
}
