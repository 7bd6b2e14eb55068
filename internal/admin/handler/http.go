package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	auditdomain "cassette-repair-tracker/backend/internal/audit/domain"
	identitydomain "cassette-repair-tracker/backend/internal/identity/domain"
	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/platform/rbac"
	"cassette-repair-tracker/backend/internal/policy/engine"
	"cassette-repair-tracker/backend/internal/server/middleware"
	sessiondomain "cassette-repair-tracker/backend/internal/session/domain"
)

// SessionAdmin lists and force-revokes an identity's refresh tokens.
type SessionAdmin interface {
	ActiveSessions(ctx context.Context, identityID string, d identitydomain.Domain) ([]*sessiondomain.RefreshToken, error)
	RevokeAll(ctx context.Context, identityID string, d identitydomain.Domain) (int64, error)
}

// AuditLister reads an identity's audit trail.
type AuditLister interface {
	ListByIdentity(ctx context.Context, dom, identityID string, limit, offset int32) ([]*auditdomain.AuditLog, error)
}

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// Handler serves system-level admin operations for internal administrators.
type Handler struct {
	sessions SessionAdmin
	audit    AuditLister
	authz    rbac.Authorizer
}

// NewHandler returns an admin handler. auditLogs may be nil, which disables the audit listing route.
func NewHandler(sessions SessionAdmin, auditLogs AuditLister, authz rbac.Authorizer) *Handler {
	return &Handler{sessions: sessions, audit: auditLogs, authz: authz}
}

// Register mounts the admin routes on g. g must already carry the auth middleware.
func (h *Handler) Register(g gin.IRoutes) {
	g.GET("/identities/:domain/:id/sessions", h.ListSessions)
	g.POST("/identities/:domain/:id/revoke-sessions", h.RevokeSessions)
	if h.audit != nil {
		g.GET("/identities/:domain/:id/audit-logs", h.ListAuditLogs)
	}
}

type auditLogResponse struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ListSessions returns the identity's active refresh tokens, newest first. Token hashes are not exposed.
func (h *Handler) ListSessions(c *gin.Context) {
	d, id, ok := h.target(c, engine.ActionReadSessions)
	if !ok {
		return
	}
	recs, err := h.sessions.ActiveSessions(c.Request.Context(), id, d)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	out := make([]sessionResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, sessionResponse{ID: r.ID, IssuedAt: r.IssuedAt, ExpiresAt: r.ExpiresAt})
	}
	c.JSON(http.StatusOK, gin.H{"active": len(out), "sessions": out})
}

// RevokeSessions force-logs-out an identity of any domain.
func (h *Handler) RevokeSessions(c *gin.Context) {
	d, id, ok := h.target(c, engine.ActionRevokeSessions)
	if !ok {
		return
	}
	n, err := h.sessions.RevokeAll(c.Request.Context(), id, d)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// ListAuditLogs returns an identity's audit events, newest first.
func (h *Handler) ListAuditLogs(c *gin.Context) {
	d, id, ok := h.target(c, engine.ActionReadAuditLogs)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", defaultAuditPageSize)
	if err != nil || limit <= 0 {
		middleware.AbortWithError(c, apperr.Validation("limit must be a positive integer"))
		return
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		middleware.AbortWithError(c, apperr.Validation("offset must be a non-negative integer"))
		return
	}
	logs, err := h.audit.ListByIdentity(c.Request.Context(), string(d), id, int32(limit), int32(offset))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	out := make([]auditLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, auditLogResponse{ID: l.ID, Action: l.Action, IP: l.IP, Metadata: l.Metadata, CreatedAt: l.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

// target authorizes the caller for action and parses the :domain/:id path.
func (h *Handler) target(c *gin.Context, action string) (identitydomain.Domain, string, bool) {
	if _, err := rbac.RequireAction(c.Request.Context(), h.authz, action); err != nil {
		middleware.AbortWithError(c, err)
		return "", "", false
	}
	d, err := identitydomain.ParseDomain(c.Param("domain"))
	if err != nil {
		middleware.AbortWithError(c, apperr.Validation("unknown identity domain"))
		return "", "", false
	}
	id := c.Param("id")
	if id == "" {
		middleware.AbortWithError(c, apperr.Validation("identity id is required"))
		return "", "", false
	}
	return d, id, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
