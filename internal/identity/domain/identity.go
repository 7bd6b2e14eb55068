package domain

import (
	"errors"
	"time"
)

// Domain is one of the three disjoint principal categories. Each has its own table, roles and username namespace.
type Domain string

const (
	DomainInternal Domain = "internal"
	DomainBank     Domain = "bank"
	DomainVendor   Domain = "vendor"
)

// Domains lists every domain in login probe order.
var Domains = []Domain{DomainInternal, DomainBank, DomainVendor}

// ErrUnknownDomain is returned when a domain string does not name a known domain.
var ErrUnknownDomain = errors.New("unknown identity domain")

// ParseDomain returns the Domain for s or ErrUnknownDomain.
func ParseDomain(s string) (Domain, error) {
	for _, d := range Domains {
		if string(d) == s {
			return d, nil
		}
	}
	return "", ErrUnknownDomain
}

type Role string

const (
	RoleSuperAdmin   Role = "SUPER_ADMIN"
	RoleAdmin        Role = "ADMIN"
	RoleTechnician   Role = "TECHNICIAN"
	RoleViewer       Role = "VIEWER"
	RoleBankAdmin    Role = "BANK_ADMIN"
	RoleBankOperator Role = "BANK_OPERATOR"
	RoleVendorAdmin  Role = "VENDOR_ADMIN"
	RoleVendorAgent  Role = "VENDOR_AGENT"
)

var domainRoles = map[Domain][]Role{
	DomainInternal: {RoleSuperAdmin, RoleAdmin, RoleTechnician, RoleViewer},
	DomainBank:     {RoleBankAdmin, RoleBankOperator},
	DomainVendor:   {RoleVendorAdmin, RoleVendorAgent},
}

// ValidRole reports whether role belongs to the role vocabulary of d.
func ValidRole(d Domain, role Role) bool {
	for _, r := range domainRoles[d] {
		if r == role {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Linkage holds the domain-specific foreign key. Exactly one field is set, matching the identity's domain.
type Linkage struct {
	DepartmentID string `json:"departmentId,omitempty"`
	BankID       string `json:"bankId,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
}

// Validate checks that exactly the linkage field for d is populated.
func (l Linkage) Validate(d Domain) error {
	var want, others string
	switch d {
	case DomainInternal:
		want, others = l.DepartmentID, l.BankID+l.VendorID
	case DomainBank:
		want, others = l.BankID, l.DepartmentID+l.VendorID
	case DomainVendor:
		want, others = l.VendorID, l.DepartmentID+l.BankID
	default:
		return ErrUnknownDomain
	}
	if want == "" || others != "" {
		return errors.New("exactly one linkage id must be set for the identity domain")
	}
	return nil
}

// Identity is a principal of any domain as seen by the auth core.
type Identity struct {
	ID                   string
	Domain               Domain
	Username             string
	Email                string
	PasswordHash         string
	DisplayName          string
	Role                 Role
	Status               Status
	Linkage              Linkage
	TwoFactorEnabled     bool
	TwoFactorSecret      string   // base32; empty when no setup is pending or enabled
	TwoFactorBackupCodes []string // SHA-256 hex of each unused code
	LastLoginAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Active reports whether the identity may authenticate.
func (i *Identity) Active() bool {
	return i != nil && i.Status == StatusActive
}

// Summary returns the sanitized view of the identity returned to clients.
func (i *Identity) Summary() Summary {
	return Summary{
		ID:               i.ID,
		Domain:           i.Domain,
		Username:         i.Username,
		Email:            i.Email,
		DisplayName:      i.DisplayName,
		Role:             i.Role,
		Status:           i.Status,
		Linkage:          i.Linkage,
		TwoFactorEnabled: i.TwoFactorEnabled,
		LastLoginAt:      i.LastLoginAt,
	}
}

// Summary never carries the password hash, TOTP secret or backup codes.
type Summary struct {
	ID               string     `json:"id"`
	Domain           Domain     `json:"domain"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"displayName"`
	Role             Role       `json:"role"`
	Status           Status     `json:"status"`
	Linkage          Linkage    `json:"linkage"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
// The two-factor fields are written together by the enrollment manager.
type Patch struct {
	LastLoginAt          *time.Time
	TwoFactorEnabled     *bool
	TwoFactorSecret      *string
	TwoFactorBackupCodes *[]string
}

// Apply writes the non-nil fields of p onto i.
func (p Patch) Apply(i *Identity) {
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		i.LastLoginAt = &t
	}
	if p.TwoFactorEnabled != nil {
		i.TwoFactorEnabled = *p.TwoFactorEnabled
	}
	if p.TwoFactorSecret != nil {
		i.TwoFactorSecret = *p.TwoFactorSecret
	}
	if p.TwoFactorBackupCodes != nil {
		i.TwoFactorBackupCodes = append([]string(nil), (*p.TwoFactorBackupCodes)...)
	}
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.LastLoginAt == nil && p.TwoFactorEnabled == nil && p.TwoFactorSecret == nil && p.TwoFactorBackupCodes == nil
}
