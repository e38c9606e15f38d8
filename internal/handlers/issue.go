package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/response"
)

type IssueHandler struct {
	issueService    *services.IssueService
	activityService *services.ActivityService
}

func NewIssueHandler(issueService *services.IssueService, activityService *services.ActivityService) *IssueHandler {
	return &IssueHandler{
		issueService:    issueService,
		activityService: activityService,
	}
}

type statusRequest struct {
	Status string `json:"status" binding:"required,oneof=TODO IN_PROGRESS IN_REVIEW DONE"`
}

type priorityRequest struct {
	Priority string `json:"priority" binding:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
}

// assignRequest clears the assignee when AssigneeID is null.
type assignRequest struct {
	AssigneeID *uint `json:"assignee_id"`
}

// List returns issues of the caller's organization
// GET /api/issues
func (h *IssueHandler) List(c *gin.Context) {
	var req services.IssueListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.issueService.List(middleware.CurrentUser(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/issues/search?q=
func (h *IssueHandler) Search(c *gin.Context) {
	page, pageSize := pageQuery(c)
	result, err := h.issueService.Search(middleware.CurrentUser(c), c.Query("q"), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// GET /api/issues/:id
func (h *IssueHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	issue, err := h.issueService.GetByID(middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, issue)
}

// GetByKey resolves keys such as WEB-12
// GET /api/issues/key/:key
func (h *IssueHandler) GetByKey(c *gin.Context) {
	issue, err := h.issueService.GetByKey(middleware.CurrentUser(c), c.Param("key"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, issue)
}

// Detail returns the issue with its comments, attachments and history
// GET /api/issues/:id/detail
func (h *IssueHandler) Detail(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	detail, err := h.issueService.Detail(c.Request.Context(), middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, detail)
}

// PUT /api/issues/:id
func (h *IssueHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpdateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	issue, err := h.issueService.Update(c.Request.Context(), middleware.CurrentUser(c), id, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, issue)
}

// PATCH /api/issues/:id/status
func (h *IssueHandler) UpdateStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	issue, err := h.issueService.UpdateStatus(c.Request.Context(), middleware.CurrentUser(c), id, req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, issue)
}

// PATCH /api/issues/:id/priority
func (h *IssueHandler) UpdatePriority(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	issue, err := h.issueService.UpdatePriority(c.Request.Context(), middleware.CurrentUser(c), id, req.Priority)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, issue)
}

// PATCH /api/issues/:id/assignee
func (h *IssueHandler) Assign(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	issue, err := h.issueService.Assign(c.Request.Context(), middleware.CurrentUser(c), id, req.AssigneeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, issue)
}

// DELETE /api/issues/:id
func (h *IssueHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.issueService.Delete(c.Request.Context(), middleware.CurrentUser(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "issue deleted"})
}

// GET /api/issues/:id/activities
func (h *IssueHandler) Activities(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	logs, err := h.activityService.ListForIssue(middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, logs)
}
