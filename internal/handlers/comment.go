package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/response"
)

type CommentHandler struct {
	commentService *services.CommentService
}

func NewCommentHandler(commentService *services.CommentService) *CommentHandler {
	return &CommentHandler{commentService: commentService}
}

// GET /api/issues/:id/comments
func (h *CommentHandler) List(c *gin.Context) {
	issueID, ok := paramID(c, "id")
	if !ok {
		return
	}
	comments, err := h.commentService.List(middleware.CurrentUser(c), issueID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, comments)
}

// POST /api/issues/:id/comments
func (h *CommentHandler) Add(c *gin.Context) {
	issueID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	comment, err := h.commentService.Add(c.Request.Context(), middleware.CurrentUser(c), issueID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, comment)
}

// GET /api/comments/:id
func (h *CommentHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	comment, err := h.commentService.GetByID(middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, comment)
}

// PUT /api/comments/:id
func (h *CommentHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	comment, err := h.commentService.Update(middleware.CurrentUser(c), id, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, comment)
}

// DELETE /api/comments/:id
func (h *CommentHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.commentService.Delete(middleware.CurrentUser(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "comment deleted"})
}
