package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	identitydomain "cassette-repair-tracker/backend/internal/identity/domain"
	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/platform/rbac"
	"cassette-repair-tracker/backend/internal/server/middleware"
	"cassette-repair-tracker/backend/internal/session/service"
)

// SessionIssuer is the subset of the session issuer the HTTP layer drives.
type SessionIssuer interface {
	Login(ctx context.Context, username, password string) (*service.LoginResult, error)
	VerifyLogin2FA(ctx context.Context, tempToken, code string) (*service.Session, error)
	VerifyLoginBackupCode(ctx context.Context, tempToken, backupCode string) (*service.Session, error)
	Refresh(ctx context.Context, value string) (*service.RefreshResult, error)
	Logout(ctx context.Context, value string)
}

// CookieConfig controls the refresh-token cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

const refreshCookiePath = "/api/v1/auth"

// Handler serves the /api/v1/auth endpoints.
type Handler struct {
	issuer SessionIssuer
	cookie CookieConfig
}

// NewHandler returns a session handler. An empty cookie name defaults to "refresh_token".
func NewHandler(issuer SessionIssuer, cookie CookieConfig) *Handler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	return &Handler{issuer: issuer, cookie: cookie}
}

// Register mounts the auth routes on g. auth is the bearer-token middleware for /me.
func (h *Handler) Register(g *gin.RouterGroup, auth gin.HandlerFunc) {
	g.POST("/login", h.Login)
	g.POST("/2fa/verify", h.VerifyTwoFactor)
	g.POST("/2fa/backup", h.VerifyBackupCode)
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	g.GET("/me", auth, h.Me)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type twoFactorRequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
}

type backupCodeRequest struct {
	TempToken  string `json:"tempToken"`
	BackupCode string `json:"backupCode"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	AccessToken           string                 `json:"accessToken"`
	AccessTokenExpiresAt  time.Time              `json:"accessTokenExpiresAt"`
	RefreshToken          string                 `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time              `json:"refreshTokenExpiresAt"`
	Identity              identitydomain.Summary `json:"identity"`
}

type challengeResponse struct {
	TwoFactorRequired  bool      `json:"twoFactorRequired"`
	TempToken          string    `json:"tempToken"`
	TempTokenExpiresAt time.Time `json:"tempTokenExpiresAt"`
}

type refreshResponse struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

type meResponse struct {
	ID           string `json:"id"`
	Domain       string `json:"domain"`
	Role         string `json:"role"`
	DepartmentID string `json:"departmentId,omitempty"`
	BankID       string `json:"bankId,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
}

// Login verifies credentials and returns either a session or a two-factor challenge.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperr.Validation("invalid login request"))
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		middleware.AbortWithError(c, apperr.Validation("username and password are required"))
		return
	}
	res, err := h.issuer.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if res.TwoFactorRequired {
		c.JSON(http.StatusOK, challengeResponse{
			TwoFactorRequired:  true,
			TempToken:          res.TempToken,
			TempTokenExpiresAt: res.TempTokenExpiresAt,
		})
		return
	}
	h.writeSession(c, res.Session)
}

// VerifyTwoFactor completes a pending login with a TOTP code.
func (h *Handler) VerifyTwoFactor(c *gin.Context) {
	var req twoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TempToken == "" {
		middleware.AbortWithError(c, apperr.Validation("tempToken and code are required"))
		return
	}
	sess, err := h.issuer.VerifyLogin2FA(c.Request.Context(), req.TempToken, req.Code)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	h.writeSession(c, sess)
}

// VerifyBackupCode completes a pending login with a single-use backup code.
func (h *Handler) VerifyBackupCode(c *gin.Context) {
	var req backupCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TempToken == "" || req.BackupCode == "" {
		middleware.AbortWithError(c, apperr.Validation("tempToken and backupCode are required"))
		return
	}
	sess, err := h.issuer.VerifyLoginBackupCode(c.Request.Context(), req.TempToken, req.BackupCode)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	h.writeSession(c, sess)
}

// Refresh exchanges a refresh token, from the cookie or the body, for a new access token.
func (h *Handler) Refresh(c *gin.Context) {
	value := h.refreshValue(c)
	if value == "" {
		middleware.AbortWithError(c, apperr.Authentication("missing refresh token"))
		return
	}
	res, err := h.issuer.Refresh(c.Request.Context(), value)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	h.setRefreshCookie(c, res.RefreshToken, res.RefreshTokenExpiresAt)
	c.JSON(http.StatusOK, refreshResponse{
		AccessToken:           res.AccessToken,
		AccessTokenExpiresAt:  res.AccessTokenExpiresAt,
		RefreshToken:          res.RefreshToken,
		RefreshTokenExpiresAt: res.RefreshTokenExpiresAt,
	})
}

// Logout revokes the presented refresh token and clears the cookie. It always succeeds.
func (h *Handler) Logout(c *gin.Context) {
	if value := h.refreshValue(c); value != "" {
		h.issuer.Logout(c.Request.Context(), value)
	}
	h.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the principal carried by the access token.
func (h *Handler) Me(c *gin.Context) {
	p, err := rbac.RequirePrincipal(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, meResponse{
		ID:           p.ID,
		Domain:       p.Domain,
		Role:         p.Role,
		DepartmentID: p.DepartmentID,
		BankID:       p.BankID,
		VendorID:     p.VendorID,
	})
}

func (h *Handler) writeSession(c *gin.Context, s *service.Session) {
	h.setRefreshCookie(c, s.RefreshToken, s.RefreshTokenExpiresAt)
	c.JSON(http.StatusOK, sessionResponse{
		AccessToken:           s.AccessToken,
		AccessTokenExpiresAt:  s.AccessTokenExpiresAt,
		RefreshToken:          s.RefreshToken,
		RefreshTokenExpiresAt: s.RefreshTokenExpiresAt,
		Identity:              s.Identity,
	})
}

// refreshValue prefers the cookie and falls back to the JSON body. The body is optional.
func (h *Handler) refreshValue(c *gin.Context) string {
	if v, err := c.Cookie(h.cookie.Name); err == nil && v != "" {
		return v
	}
	var req refreshRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return strings.TrimSpace(req.RefreshToken)
}

func (h *Handler) setRefreshCookie(c *gin.Context, value string, expiresAt time.Time) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     refreshCookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
