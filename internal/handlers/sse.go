package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

const sseHeartbeat = 25 * time.Second

// SSEHandler streams realtime events to browsers.
type SSEHandler struct {
	db        *gorm.DB
	hub       *services.Hub
	heartbeat time.Duration
}

func NewSSEHandler(db *gorm.DB, hub *services.Hub) *SSEHandler {
	return &SSEHandler{db: db, hub: hub, heartbeat: sseHeartbeat}
}

// stillAuthorized reloads the user and re-checks every topic, so a member
// who left the organization or was deactivated stops receiving its events.
func (h *SSEHandler) stillAuthorized(userID uint, topics []string) bool {
	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil || !user.IsActive {
		return false
	}
	for _, topic := range topics {
		if err := services.AuthorizeTopic(h.db, &user, topic); err != nil {
			return false
		}
	}
	return true
}

// StreamEvents subscribes the caller to their own user topic plus every
// requested ?topic=project:<id> they may read. Access is re-checked on
// every heartbeat and the stream ends once it is gone.
// GET /api/events
func (h *SSEHandler) StreamEvents(c *gin.Context) {
	caller := middleware.CurrentUser(c)

	topics := []string{services.UserTopic(caller.ID)}
	for _, topic := range c.QueryArray("topic") {
		if topic == topics[0] {
			continue
		}
		if err := services.AuthorizeTopic(h.db, caller, topic); err != nil {
			response.Error(c, err)
			return
		}
		topics = append(topics, topic)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	events := h.hub.Subscribe(clientID, topics...)
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Uint("user_id", caller.ID).
		Strs("topics", topics).Int("total", h.hub.ClientCount()).Msg("SSE client connected")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("SSE marshal error")
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			c.Writer.Flush()
			return true
		case <-heartbeat.C:
			if !h.stillAuthorized(caller.ID, topics) {
				logger.Info().Str("client_id", clientID).Uint("user_id", caller.ID).Msg("SSE client lost access")
				return false
			}
			fmt.Fprint(w, ": ping\n\n")
			c.Writer.Flush()
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("SSE client disconnected")
			return false
		}
	})
}
