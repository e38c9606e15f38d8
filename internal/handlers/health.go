package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"gorm.io/gorm"
)

// HealthHandler provides enhanced health check endpoints.
type HealthHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
	hub   *services.Hub
}

func NewHealthHandler(db *gorm.DB, queue services.TaskQueue, hub *services.Hub) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, hub: hub}
}

// CheckHealth returns the health status of all subsystems.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	realtimeClients := 0
	if h.hub != nil {
		realtimeClients = h.hub.ClientCount()
	}

	var pendingInvitations int64
	h.db.Model(&models.Invitation{}).
		Where("status = ?", models.InvitationPending).
		Count(&pendingInvitations)

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "issuehub",
		"components": gin.H{
			"database":            dbStatus,
			"queue_mode":          queueMode,
			"realtime_clients":    realtimeClients,
			"pending_invitations": pendingInvitations,
		},
	})
}
