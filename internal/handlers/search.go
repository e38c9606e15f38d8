package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/response"
	"golang.org/x/sync/errgroup"
)

// SearchHandler provides a global search across projects, issues and
// people of the caller's organization.
type SearchHandler struct {
	projectService *services.ProjectService
	issueService   *services.IssueService
	userService    *services.UserService
}

func NewSearchHandler(projectService *services.ProjectService, issueService *services.IssueService, userService *services.UserService) *SearchHandler {
	return &SearchHandler{
		projectService: projectService,
		issueService:   issueService,
		userService:    userService,
	}
}

type SearchResult struct {
	Projects []models.Project `json:"projects"`
	Issues   []models.Issue   `json:"issues"`
	Users    []models.User    `json:"users"`
	Total    int64            `json:"total"`
}

// Search performs a global search.
// GET /api/search?q=
func (h *SearchHandler) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if len(q) < 2 {
		response.BadRequest(c, "search query must be at least 2 characters")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 50 {
		limit = 20
	}

	caller := middleware.CurrentUser(c)
	var (
		projects *response.Page[models.Project]
		issues   *response.Page[models.Issue]
		users    *response.Page[models.User]
	)

	var g errgroup.Group
	g.Go(func() (err error) {
		projects, err = h.projectService.Search(caller, q, 1, limit)
		return err
	})
	g.Go(func() (err error) {
		issues, err = h.issueService.Search(caller, q, 1, limit)
		return err
	})
	g.Go(func() (err error) {
		users, err = h.userService.Search(caller, q, 1, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, SearchResult{
		Projects: projects.Items,
		Issues:   issues.Items,
		Users:    users.Items,
		Total:    projects.Total + issues.Total + users.Total,
	})
}
