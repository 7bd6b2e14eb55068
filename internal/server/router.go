package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	adminhandler "cassette-repair-tracker/backend/internal/admin/handler"
	healthhandler "cassette-repair-tracker/backend/internal/health/handler"
	mfahandler "cassette-repair-tracker/backend/internal/mfa/handler"
	"cassette-repair-tracker/backend/internal/security"
	"cassette-repair-tracker/backend/internal/server/middleware"
	sessionhandler "cassette-repair-tracker/backend/internal/session/handler"
)

// Handlers groups the HTTP handlers mounted by NewRouter.
type Handlers struct {
	Session *sessionhandler.Handler
	MFA     *mfahandler.Handler
	Admin   *adminhandler.Handler
	Health  *healthhandler.Handler
}

// RouterConfig holds router-level settings.
type RouterConfig struct {
	ServiceName    string
	TracerProvider trace.TracerProvider
}

// NewRouter wires gin routes and middleware.
func NewRouter(cfg RouterConfig, h Handlers, tokens *security.TokenProvider, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.ClientIPContext())
	var otelOpts []otelgin.Option
	if cfg.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(cfg.TracerProvider))
	}
	r.Use(otelgin.Middleware(cfg.ServiceName, otelOpts...))

	h.Health.Register(r)

	auth := middleware.Auth(tokens)
	v1 := r.Group("/api/v1")
	{
		h.Session.Register(v1.Group("/auth"), auth)
		h.MFA.Register(v1.Group("/2fa", auth))
		h.Admin.Register(v1.Group("/admin", auth))
	}
	return r
}
