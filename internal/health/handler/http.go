package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger is the database readiness check. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checker is a dependency readiness check, such as Redis or the authorization policy engine.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Handler serves liveness and readiness probes.
type Handler struct {
	db     Pinger
	cache  Checker
	policy Checker
	log    *zap.Logger
}

// NewHandler returns a health handler. db, cache and policy may be nil; cache is nil when the
// replay guard runs in memory.
func NewHandler(db Pinger, cache, policy Checker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{db: db, cache: cache, policy: policy, log: log}
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Live)
	r.GET("/readyz", h.Ready)
}

// Live always reports serving while the process is up.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "SERVING"})
}

// Ready reports NOT_SERVING with 503 when any configured dependency fails its check.
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.notReady(c, "database", err)
			return
		}
	}
	if h.cache != nil {
		if err := h.cache.HealthCheck(ctx); err != nil {
			h.notReady(c, "cache", err)
			return
		}
	}
	if h.policy != nil {
		if err := h.policy.HealthCheck(ctx); err != nil {
			h.notReady(c, "policy", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "SERVING"})
}

func (h *Handler) notReady(c *gin.Context, check string, err error) {
	h.log.Warn("readiness check failed", zap.String("check", check), zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "NOT_SERVING"})
}
