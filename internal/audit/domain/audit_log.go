package domain

import "time"

// AuditLog represents an authentication audit event.
type AuditLog struct {
	ID         string
	Domain     string // identity domain; SentinelDomain when unknown (e.g. failed login)
	IdentityID string
	Action     string
	IP         string
	Metadata   string
	CreatedAt  time.Time
}

// Actions recorded by the auth core.
const (
	ActionLoginSuccess      = "login_success"
	ActionLoginFailure      = "login_failure"
	ActionLogin2FAChallenge = "login_2fa_challenge"
	ActionLogin2FAFailure   = "login_2fa_failure"
	ActionBackupCodeUsed    = "backup_code_used"
	ActionRefresh           = "refresh"
	ActionLogout            = "logout"
	ActionSessionsRevoked   = "sessions_revoked"
	Action2FASetup          = "2fa_setup"
	Action2FAEnabled        = "2fa_enabled"
	Action2FADisabled       = "2fa_disabled"
)
