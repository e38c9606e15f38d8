package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/response"
)

type MessageHandler struct {
	messageService *services.MessageService
}

func NewMessageHandler(messageService *services.MessageService) *MessageHandler {
	return &MessageHandler{messageService: messageService}
}

// POST /api/messages
func (h *MessageHandler) Send(c *gin.Context) {
	var req services.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.messageService.Send(middleware.CurrentUser(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, msg)
}

// Conversations lists one entry per chat partner, newest first
// GET /api/messages/conversations
func (h *MessageHandler) Conversations(c *gin.Context) {
	page, pageSize := pageQuery(c)
	result, err := h.messageService.Conversations(middleware.CurrentUser(c), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/messages/thread/:userId
func (h *MessageHandler) Thread(c *gin.Context) {
	partnerID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	messages, err := h.messageService.Thread(middleware.CurrentUser(c), partnerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, messages)
}

// GET /api/messages/unread-count
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	count, err := h.messageService.UnreadCount(middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"count": count})
}

// PUT /api/messages/:id/read
func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.messageService.MarkAsRead(middleware.CurrentUser(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "marked as read"})
}

// PUT /api/messages/thread/:userId/read
func (h *MessageHandler) MarkThreadAsRead(c *gin.Context) {
	partnerID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	if err := h.messageService.MarkThreadAsRead(middleware.CurrentUser(c), partnerID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "marked as read"})
}
