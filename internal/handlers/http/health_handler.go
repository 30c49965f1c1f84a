package http

import (
	"context"
	"net/http"
	"time"

	"notecollab/internal/core/services"
	"notecollab/internal/infrastructure/monitoring"
	"notecollab/pkg/circuitbreaker"

	"github.com/gin-gonic/gin"
)

type SessionStatsProvider interface {
	Stats() services.SessionStats
}

type SocketCounter interface {
	ConnectionCount() int
}

type PermissionStatsProvider interface {
	Stats() services.PermissionStats
}

type StoreBreakerProvider interface {
	BreakerStats() circuitbreaker.Stats
}

type HealthHandler struct {
	sessions     SessionStatsProvider
	sockets      SocketCounter
	permissions  PermissionStatsProvider
	store        StoreBreakerProvider
	checker      *monitoring.HealthChecker
	instanceID   string
	started      time.Time
	readyTimeout time.Duration
}

func NewHealthHandler(
	sessions SessionStatsProvider,
	sockets SocketCounter,
	permissions PermissionStatsProvider,
	store StoreBreakerProvider,
	checker *monitoring.HealthChecker,
	instanceID string,
) *HealthHandler {
	return &HealthHandler{
		sessions:     sessions,
		sockets:      sockets,
		permissions:  permissions,
		store:        store,
		checker:      checker,
		instanceID:   instanceID,
		started:      time.Now(),
		readyTimeout: 5 * time.Second,
	}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health reports liveness with uptime, session counts and the state of the
// permission cache and store breakers. It never touches the store. An open
// breaker reports degraded but still answers 200.
func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.sessions.Stats()
	permissions := h.permissions.Stats()
	storeBreaker := h.store.BreakerStats()

	status := monitoring.StatusHealthy
	if permissions.Breaker.State != circuitbreaker.StateClosed || storeBreaker.State != circuitbreaker.StateClosed {
		status = monitoring.StatusDegraded
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"instance_id":     h.instanceID,
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"documents":       stats.Documents,
		"connections":     stats.Connections,
		"dirty_documents": stats.DirtyDocuments,
		"users":           stats.Users,
		"sockets":         h.sockets.ConnectionCount(),
		"permissions":     permissions,
		"store_breaker":   storeBreaker,
		"timestamp":       time.Now().Unix(),
	})
}

// Ready runs the dependency checks.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
