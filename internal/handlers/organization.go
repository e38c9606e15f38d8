package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/response"
)

type OrganizationHandler struct {
	orgService *services.OrganizationService
}

func NewOrganizationHandler(orgService *services.OrganizationService) *OrganizationHandler {
	return &OrganizationHandler{orgService: orgService}
}

type transferOwnershipRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

type memberRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// Create starts a new organization owned by the caller
// POST /api/organizations
func (h *OrganizationHandler) Create(c *gin.Context) {
	var req services.CreateOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	org, err := h.orgService.Create(middleware.CurrentUser(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, org)
}

// GET /api/organizations/current
func (h *OrganizationHandler) Current(c *gin.Context) {
	org, err := h.orgService.Current(middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, org)
}

// GET /api/organizations/:id
func (h *OrganizationHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	org, err := h.orgService.GetByID(middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, org)
}

// GET /api/organizations/slug/:slug
func (h *OrganizationHandler) GetBySlug(c *gin.Context) {
	org, err := h.orgService.GetBySlug(middleware.CurrentUser(c), c.Param("slug"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, org)
}

// PUT /api/organizations/:id
func (h *OrganizationHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpdateOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	org, err := h.orgService.Update(middleware.CurrentUser(c), id, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, org)
}

// POST /api/organizations/:id/archive
func (h *OrganizationHandler) Archive(c *gin.Context) {
	h.changeStatus(c, h.orgService.Archive)
}

// POST /api/organizations/:id/suspend
func (h *OrganizationHandler) Suspend(c *gin.Context) {
	h.changeStatus(c, h.orgService.Suspend)
}

// POST /api/organizations/:id/reactivate
func (h *OrganizationHandler) Reactivate(c *gin.Context) {
	h.changeStatus(c, h.orgService.Reactivate)
}

func (h *OrganizationHandler) changeStatus(c *gin.Context, apply func(*models.User, uint) (*models.Organization, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	org, err := apply(middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, org)
}

// TransferOwnership hands the organization to another member
// POST /api/organizations/:id/transfer
func (h *OrganizationHandler) TransferOwnership(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req transferOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	org, err := h.orgService.TransferOwnership(middleware.CurrentUser(c), id, req.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, org)
}

// GET /api/organizations/:id/stats
func (h *OrganizationHandler) Stats(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	stats, err := h.orgService.Stats(c.Request.Context(), middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// GET /api/organizations/:id/members
func (h *OrganizationHandler) Members(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	page, pageSize := pageQuery(c)
	result, err := h.orgService.Members(middleware.CurrentUser(c), id, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// PUT /api/organizations/:id/members/:userId
func (h *OrganizationHandler) ChangeMemberRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	var req memberRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, err := h.orgService.ChangeMemberRole(middleware.CurrentUser(c), id, userID, req.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, user)
}

// DELETE /api/organizations/:id/members/:userId
func (h *OrganizationHandler) RemoveMember(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	if err := h.orgService.RemoveMember(middleware.CurrentUser(c), id, userID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "member removed"})
}

// Delete removes the organization with all its projects
// DELETE /api/organizations/:id
func (h *OrganizationHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.orgService.Delete(c.Request.Context(), middleware.CurrentUser(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "organization deleted"})
}
