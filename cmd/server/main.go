package main

import (
	"context"
	"crypto"
	"database/sql"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	adminhandler "cassette-repair-tracker/backend/internal/admin/handler"
	"cassette-repair-tracker/backend/internal/audit"
	auditrepo "cassette-repair-tracker/backend/internal/audit/repository"
	"cassette-repair-tracker/backend/internal/config"
	"cassette-repair-tracker/backend/internal/db"
	healthhandler "cassette-repair-tracker/backend/internal/health/handler"
	identityrepo "cassette-repair-tracker/backend/internal/identity/repository"
	identityservice "cassette-repair-tracker/backend/internal/identity/service"
	"cassette-repair-tracker/backend/internal/logging"
	"cassette-repair-tracker/backend/internal/mfa"
	mfahandler "cassette-repair-tracker/backend/internal/mfa/handler"
	mfaservice "cassette-repair-tracker/backend/internal/mfa/service"
	"cassette-repair-tracker/backend/internal/policy/engine"
	"cassette-repair-tracker/backend/internal/security"
	"cassette-repair-tracker/backend/internal/server"
	"cassette-repair-tracker/backend/internal/server/middleware"
	sessionhandler "cassette-repair-tracker/backend/internal/session/handler"
	sessionrepo "cassette-repair-tracker/backend/internal/session/repository"
	sessionservice "cassette-repair-tracker/backend/internal/session/service"
	"cassette-repair-tracker/backend/internal/telemetry"
	otelsetup "cassette-repair-tracker/backend/internal/telemetry/otel"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newInstruments,
			newDB,
			newTokenProvider,
			newHasher,
			newResolver,
			newRefreshStore,
			newReplayGuard,
			newTOTPEngine,
			newAuditRepo,
			newAuditLogger,
			newIssuer,
			newEnrollment,
			newAuthorizer,
			newHandlers,
			newRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(startHTTPServer),
	)

	app.Run()
}

func newConfig() (*config.Config, error) {
	return config.Load()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(!cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*otelsetup.Providers, error) {
	providers, err := otelsetup.NewProviders(context.Background(), cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	providers.SetGlobal()

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return providers.Shutdown(stopCtx)
		},
	})
	return providers, nil
}

func newInstruments(p *otelsetup.Providers) (*telemetry.Instruments, error) {
	return telemetry.NewInstruments(p.TracerProvider, p.MeterProvider)
}

func newDB(lc fx.Lifecycle, cfg *config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolOptions)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return conn.Close()
		},
	})
	return conn, nil
}

// newTokenProvider loads the configured signing key. Outside production a missing key falls back
// to an ephemeral ES256 key.
func newTokenProvider(cfg *config.Config, logger *zap.Logger) (*security.TokenProvider, error) {
	var (
		priv crypto.Signer
		pub  crypto.PublicKey
		err  error
	)
	if cfg.JWTPrivateKey != "" {
		priv, pub, err = security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("loading jwt keys: %w", err)
		}
	} else {
		priv, err = security.GenerateEphemeralKey()
		if err != nil {
			return nil, fmt.Errorf("generating ephemeral jwt key: %w", err)
		}
		pub = priv.Public()
		logger.Warn("JWT_PRIVATE_KEY not set; using an ephemeral signing key")
	}
	return security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.TwoFactorTTL()), nil
}

func newHasher(cfg *config.Config) *security.Hasher {
	return security.NewHasher(cfg.BcryptCost)
}

func newResolver(conn *sql.DB, hasher *security.Hasher) *identityservice.Resolver {
	return identityservice.NewResolver(identityrepo.NewPostgresRegistry(conn), hasher)
}

func newRefreshStore(conn *sql.DB, cfg *config.Config) *sessionservice.RefreshStore {
	return sessionservice.NewRefreshStore(sessionrepo.NewPostgresRepository(conn), cfg.RefreshTTL())
}

// replayGuard carries the TOTP step guard and, when Redis backs it, the readiness check.
type replayGuard struct {
	guard mfa.StepGuard
	cache healthhandler.Checker
}

func newReplayGuard(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) replayGuard {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set; using in-process TOTP replay guard")
		return replayGuard{guard: mfa.NewMemoryStepGuard()}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	g := mfa.NewRedisStepGuard(client)
	return replayGuard{guard: g, cache: g}
}

func newTOTPEngine(cfg *config.Config) *mfa.Engine {
	return mfa.NewEngine(cfg.TOTPIssuer)
}

func newAuditRepo(conn *sql.DB) *auditrepo.PostgresRepository {
	return auditrepo.NewPostgresRepository(conn)
}

func newAuditLogger(repo *auditrepo.PostgresRepository, logger *zap.Logger) audit.AuditLogger {
	return audit.NewLogger(repo, middleware.ClientIP, logger)
}

func newIssuer(
	resolver *identityservice.Resolver,
	tokens *security.TokenProvider,
	refresh *sessionservice.RefreshStore,
	engine *mfa.Engine,
	rg replayGuard,
	auditLog audit.AuditLogger,
	inst *telemetry.Instruments,
	logger *zap.Logger,
	cfg *config.Config,
) *sessionservice.Issuer {
	return sessionservice.NewIssuer(resolver, tokens, refresh, engine, rg.guard, auditLog, inst, logger, sessionservice.IssuerConfig{
		RetentionKeep: cfg.RefreshTokenRetention,
		Rotation:      cfg.RefreshRotation,
	})
}

func newEnrollment(resolver *identityservice.Resolver, engine *mfa.Engine, auditLog audit.AuditLogger, logger *zap.Logger, cfg *config.Config) *mfaservice.EnrollmentManager {
	return mfaservice.NewEnrollmentManager(resolver, engine, auditLog, logger, cfg.BackupCodeCount)
}

func newAuthorizer(cfg *config.Config) (*engine.Authorizer, error) {
	return engine.LoadAuthorizer(context.Background(), cfg.AuthzPolicyFile)
}

func newHandlers(
	issuer *sessionservice.Issuer,
	enrollment *mfaservice.EnrollmentManager,
	authz *engine.Authorizer,
	auditLogs *auditrepo.PostgresRepository,
	conn *sql.DB,
	rg replayGuard,
	cfg *config.Config,
	logger *zap.Logger,
) server.Handlers {
	return server.Handlers{
		Session: sessionhandler.NewHandler(issuer, sessionhandler.CookieConfig{Name: cfg.RefreshCookieName, Secure: cfg.CookieSecure}),
		MFA:     mfahandler.NewHandler(enrollment),
		Admin:   adminhandler.NewHandler(issuer, auditLogs, authz),
		Health:  healthhandler.NewHandler(conn, rg.cache, authz, logger),
	}
}

func newRouter(cfg *config.Config, h server.Handlers, tokens *security.TokenProvider, p *otelsetup.Providers, logger *zap.Logger) *gin.Engine {
	return server.NewRouter(server.RouterConfig{ServiceName: cfg.ServiceName, TracerProvider: p.TracerProvider}, h, tokens, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg *config.Config, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, cfg.HTTPAddr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
