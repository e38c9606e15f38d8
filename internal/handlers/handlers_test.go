package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/internal/testutil"
	"github.com/huangang/issuehub/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("handler-test-secret")
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *services.Notification) {}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	db     *gorm.DB
	hub    *services.Hub
	sse    *SSEHandler
	router *gin.Engine
}

// newTestServer wires the real services over an in-memory database the
// same way the server binary does.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db := testutil.NewDB(t)
	blobs, err := storage.NewLocalStore(t.TempDir(), "/files")
	require.NoError(t, err)
	hub := services.NewHub()
	notifier := nopNotifier{}
	const baseURL = "https://app.example.com"

	authService := services.NewAuthService(db, &config.JWTConfig{ExpireHour: 1, RefreshExpireHour: 24}, nil, notifier, baseURL)
	userService := services.NewUserService(db, blobs)
	projectService := services.NewProjectService(db, blobs, notifier, baseURL)
	issueService := services.NewIssueService(db, blobs, notifier, baseURL)
	activityService := services.NewActivityService(db)
	invitationService := services.NewInvitationService(db, notifier, config.InvitationConfig{ExpireDays: 7})

	authHandler := NewAuthHandler(authService)
	projectHandler := NewProjectHandler(projectService, issueService)
	issueHandler := NewIssueHandler(issueService, activityService)
	attachmentHandler := NewAttachmentHandler(services.NewAttachmentService(db, blobs))
	invitationHandler := NewInvitationHandler(invitationService)
	searchHandler := NewSearchHandler(projectService, issueService, userService)
	sseHandler := NewSSEHandler(db, hub)
	healthHandler := NewHealthHandler(db, services.NewSyncQueue(), hub)

	r := gin.New()
	r.GET("/health", healthHandler.CheckHealth)
	api := r.Group("/api")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/refresh", authHandler.Refresh)
	api.GET("/invitations/validate", invitationHandler.Validate)

	protected := api.Group("")
	protected.Use(middleware.AuthRequired(), middleware.LoadCaller(authService))
	protected.GET("/auth/me", authHandler.GetCurrentUser)
	protected.GET("/events", sseHandler.StreamEvents)
	protected.GET("/search", searchHandler.Search)
	protected.GET("/projects/:id", projectHandler.GetByID)
	protected.POST("/projects", projectHandler.Create)
	protected.POST("/projects/:id/issues", projectHandler.CreateIssue)
	protected.GET("/issues/key/:key", issueHandler.GetByKey)
	protected.PATCH("/issues/:id/status", issueHandler.UpdateStatus)
	protected.POST("/issues/:id/attachments", attachmentHandler.Upload)
	protected.GET("/attachments/:id/download", attachmentHandler.Download)

	return &testServer{db: db, hub: hub, sse: sseHandler, router: r}
}

func tokenFor(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, 1)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out), string(env.Data))
	return out
}

// workspace is Alice's organization with one project, plus Mallory in an
// unrelated one.
type workspace struct {
	*testServer
	alice   *models.User
	mallory *models.User
	project *models.Project
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	s := newTestServer(t)
	alice := testutil.CreateUser(t, s.db, "alice", models.RoleMember, 0)
	org := testutil.CreateOrganization(t, s.db, "Acme", alice)
	mallory := testutil.CreateUser(t, s.db, "mallory", models.RoleMember, 0)
	testutil.CreateOrganization(t, s.db, "Globex", mallory)
	project := testutil.CreateProject(t, s.db, org, "WEB", alice)
	return &workspace{testServer: s, alice: alice, mallory: mallory, project: project}
}

func TestAuth_RegisterLoginMe(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/auth/register", "", gin.H{
		"username": "ada", "email": "ada@example.com", "password": "secret123", "first_name": "Ada",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	registered := decode[models.User](t, w)
	assert.Equal(t, "ada", registered.Username)
	require.NotNil(t, registered.OrganizationID)

	w = s.do(t, "POST", "/api/auth/register", "", gin.H{
		"username": "ada", "email": "other@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, "POST", "/api/auth/login", "", gin.H{"username": "ada", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, "POST", "/api/auth/login", "", gin.H{"username": "ada", "password": "secret123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tokens := decode[tokenResponse](t, w)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.NotEmpty(t, tokens.RefreshToken)

	w = s.do(t, "GET", "/api/auth/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada", decode[models.User](t, w).Username)

	w = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, tokens.RefreshToken, decode[tokenResponse](t, w).RefreshToken)

	w = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RegisterValidation(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "POST", "/api/auth/register", "", gin.H{"username": "ada", "email": "not-an-email", "password": "secret123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProjects_TenantBoundary(t *testing.T) {
	ws := newWorkspace(t)
	path := fmt.Sprintf("/api/projects/%d", ws.project.ID)

	w := ws.do(t, "GET", path, tokenFor(t, ws.alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "WEB", decode[services.ProjectDetail](t, w).Key)

	w = ws.do(t, "GET", path, tokenFor(t, ws.mallory), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ws.do(t, "GET", "/api/projects/abc", tokenFor(t, ws.alice), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ws.do(t, "GET", "/api/projects/999", tokenFor(t, ws.alice), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ws.do(t, "GET", path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProjects_CreateThenFileIssues(t *testing.T) {
	ws := newWorkspace(t)
	token := tokenFor(t, ws.alice)

	w := ws.do(t, "POST", "/api/projects", token, gin.H{"name": "Mobile", "key": "app"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	project := decode[models.Project](t, w)
	assert.Equal(t, "APP", project.Key)

	issuesPath := fmt.Sprintf("/api/projects/%d/issues", project.ID)
	for i, title := range []string{"Login fails", "Crash on start"} {
		w = ws.do(t, "POST", issuesPath, token, gin.H{"title": title, "type": "BUG"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, fmt.Sprintf("APP-%d", i+1), decode[models.Issue](t, w).IssueKey)
	}

	w = ws.do(t, "POST", issuesPath, token, gin.H{"title": "Bad", "priority": "URGENT"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ws.do(t, "POST", issuesPath, tokenFor(t, ws.mallory), gin.H{"title": "Sneaky"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ws.do(t, "GET", "/api/issues/key/APP-2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	issue := decode[models.Issue](t, w)
	assert.Equal(t, "Crash on start", issue.Title)

	w = ws.do(t, "PATCH", fmt.Sprintf("/api/issues/%d/status", issue.ID), token, gin.H{"status": "IN_PROGRESS"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.IssueStatusInProgress, decode[models.Issue](t, w).Status)

	w = ws.do(t, "PATCH", fmt.Sprintf("/api/issues/%d/status", issue.ID), token, gin.H{"status": "CLOSED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvitations_ValidateIsPublic(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/api/invitations/validate?token=nope", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[services.InvitationValidation](t, w).Valid)
}

func TestSearch(t *testing.T) {
	ws := newWorkspace(t)

	w := ws.do(t, "GET", "/api/search?q=w", tokenFor(t, ws.alice), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ws.do(t, "GET", "/api/search?q=WEB", tokenFor(t, ws.alice), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[SearchResult](t, w)
	require.Len(t, result.Projects, 1)
	assert.Equal(t, "WEB", result.Projects[0].Key)

	w = ws.do(t, "GET", "/api/search?q=WEB", tokenFor(t, ws.mallory), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[SearchResult](t, w).Projects)
}

func TestAttachments_UploadAndDownload(t *testing.T) {
	ws := newWorkspace(t)
	token := tokenFor(t, ws.alice)

	w := ws.do(t, "POST", fmt.Sprintf("/api/projects/%d/issues", ws.project.ID), token, gin.H{"title": "Logs"})
	require.Equal(t, http.StatusCreated, w.Code)
	issue := decode[models.Issue](t, w)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="server.log"`)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, _ = part.Write([]byte("panic: nil map"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", fmt.Sprintf("/api/issues/%d/attachments", issue.ID), &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	ws.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	attachment := decode[models.Attachment](t, w)
	assert.Equal(t, "text/plain", attachment.ContentType)
	assert.Equal(t, int64(len("panic: nil map")), attachment.Size)

	w = ws.do(t, "GET", fmt.Sprintf("/api/attachments/%d/download", attachment.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "panic: nil map", w.Body.String())
	assert.Equal(t, `attachment; filename=server.log`, w.Header().Get("Content-Disposition"))

	w = ws.do(t, "GET", fmt.Sprintf("/api/attachments/%d/download", attachment.ID), tokenFor(t, ws.mallory), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("POST", fmt.Sprintf("/api/issues/%d/attachments", issue.ID), strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	ws.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvents_RejectsForeignTopics(t *testing.T) {
	ws := newWorkspace(t)

	w := ws.do(t, "GET", fmt.Sprintf("/api/events?topic=project:%d", ws.project.ID), tokenFor(t, ws.mallory), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ws.do(t, "GET", fmt.Sprintf("/api/events?topic=user:%d", ws.alice.ID), tokenFor(t, ws.mallory), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ws.do(t, "GET", "/api/events?topic=review:1", tokenFor(t, ws.alice), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, ws.hub.ClientCount())
}

func TestEvents_StreamsProjectEvents(t *testing.T) {
	ws := newWorkspace(t)
	srv := httptest.NewServer(ws.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := fmt.Sprintf("%s/api/events?topic=project:%d&access_token=%s", srv.URL, ws.project.ID, tokenFor(t, ws.alice))
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	require.NoError(t, err)

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			close(respCh)
			return
		}
		respCh <- resp
	}()

	require.Eventually(t, func() bool { return ws.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	ws.hub.Publish(services.Event{
		Type:    services.NotifyIssueCreated,
		Topic:   services.ProjectTopic(ws.project.ID),
		Payload: json.RawMessage(`{"issue_key":"WEB-1"}`),
	})

	var resp *http.Response
	select {
	case resp = <-respCh:
		require.NotNil(t, resp, "request failed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream")
	}
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+services.NotifyIssueCreated+"\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "), line)
	assert.Contains(t, line, `"issue_key":"WEB-1"`)
}

// openStream starts an event stream for user and returns once the hub has
// registered it.
func (ws *workspace) openStream(t *testing.T, srv *httptest.Server, user *models.User) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	url := fmt.Sprintf("%s/api/events?topic=project:%d&access_token=%s", srv.URL, ws.project.ID, tokenFor(t, user))
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	require.NoError(t, err)

	before := ws.hub.ClientCount()
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return ws.hub.ClientCount() == before+1 }, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_RemovedMemberIsDisconnected(t *testing.T) {
	ws := newWorkspace(t)
	ws.sse.heartbeat = 20 * time.Millisecond
	bob := testutil.CreateUser(t, ws.db, "bob", models.RoleMember, ws.project.OrganizationID)
	srv := httptest.NewServer(ws.router)
	// registered first so it runs after the streams are cancelled
	t.Cleanup(srv.Close)

	ws.openStream(t, srv, ws.alice)
	ws.openStream(t, srv, bob)
	require.Equal(t, 2, ws.hub.ClientCount())

	require.NoError(t, ws.db.Model(bob).Update("organization_id", nil).Error)

	require.Eventually(t, func() bool { return ws.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ws.hub.ClientCount(), "alice kept her stream")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string                 `json:"status"`
		Components map[string]interface{} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "sync", body.Components["queue_mode"])
	assert.Equal(t, "ok", body.Components["database"])
}
