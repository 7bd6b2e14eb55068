package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	identitydomain "cassette-repair-tracker/backend/internal/identity/domain"
	"cassette-repair-tracker/backend/internal/mfa/service"
	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/platform/rbac"
	"cassette-repair-tracker/backend/internal/security"
	"cassette-repair-tracker/backend/internal/server/middleware"
)

// Enrollment is the two-factor enrollment workflow the handler drives.
type Enrollment interface {
	Setup(ctx context.Context, d identitydomain.Domain, id string) (*service.SetupResult, error)
	VerifySetup(ctx context.Context, d identitydomain.Domain, id, code string) (*service.VerifySetupResult, error)
	Disable(ctx context.Context, d identitydomain.Domain, id, code string) (*identitydomain.Summary, error)
}

// Handler serves /api/v1/2fa. Every route acts on the identity of the bearer access token.
type Handler struct {
	enrollment Enrollment
}

func NewHandler(enrollment Enrollment) *Handler {
	return &Handler{enrollment: enrollment}
}

// Register mounts the routes on g. g must already carry the auth middleware.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/setup", h.Setup)
	g.POST("/verify-setup", h.VerifySetup)
	g.POST("/disable", h.Disable)
}

type codeRequest struct {
	Code string `json:"code"`
}

type setupResponse struct {
	Secret  string `json:"secret"`
	URI     string `json:"otpauthUrl"`
	QRImage string `json:"qrCode"`
}

type verifySetupResponse struct {
	BackupCodes []string               `json:"backupCodes"`
	Identity    identitydomain.Summary `json:"identity"`
}

func (h *Handler) Setup(c *gin.Context) {
	d, p, ok := caller(c)
	if !ok {
		return
	}
	res, err := h.enrollment.Setup(c.Request.Context(), d, p.ID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, setupResponse{Secret: res.Secret, URI: res.URI, QRImage: res.QRImage})
}

// VerifySetup enables two-factor and returns the one-time backup codes.
func (h *Handler) VerifySetup(c *gin.Context) {
	d, p, ok := caller(c)
	if !ok {
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperr.Validation("code is required"))
		return
	}
	res, err := h.enrollment.VerifySetup(c.Request.Context(), d, p.ID, req.Code)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifySetupResponse{BackupCodes: res.BackupCodes, Identity: res.Identity})
}

func (h *Handler) Disable(c *gin.Context) {
	d, p, ok := caller(c)
	if !ok {
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperr.Validation("code is required"))
		return
	}
	sum, err := h.enrollment.Disable(c.Request.Context(), d, p.ID, req.Code)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Two-factor authentication disabled", "identity": sum})
}

// caller resolves the principal and its domain, aborting the request on failure.
func caller(c *gin.Context) (identitydomain.Domain, security.Principal, bool) {
	p, err := rbac.RequirePrincipal(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return "", security.Principal{}, false
	}
	d, err := identitydomain.ParseDomain(p.Domain)
	if err != nil {
		middleware.AbortWithError(c, apperr.Authentication("unknown domain in token"))
		return "", security.Principal{}, false
	}
	return d, p, true
}
