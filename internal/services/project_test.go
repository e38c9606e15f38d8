package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProjectService(f *acme) (*ProjectService, *recordingNotifier) {
	notifier := &recordingNotifier{}
	return NewProjectService(f.db, nil, notifier, "https://app.example.com"), notifier
}

func TestProject_Create(t *testing.T) {
	f := newAcme(t)
	svc, _ := newProjectService(f)

	project, err := svc.Create(f.bob, &CreateProjectRequest{Name: "Website", Key: " web "})
	require.NoError(t, err)
	assert.Equal(t, "WEB", project.Key)
	assert.Equal(t, f.bob.ID, project.OwnerID)
	assert.Equal(t, models.ProjectStatusActive, project.Status)

	members, err := svc.Members(f.alice, project.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, models.ProjectRoleLead, members[0].Role)

	_, err = svc.Create(f.alice, &CreateProjectRequest{Name: "Again", Key: "WEB"})
	requireStatus(t, err, http.StatusConflict)

	// keys are unique per organization, not globally
	_, err = svc.Create(f.mallory, &CreateProjectRequest{Name: "Globex web", Key: "WEB"})
	require.NoError(t, err)

	_, err = svc.Create(f.alice, &CreateProjectRequest{Name: "Bad", Key: "W3B"})
	requireStatus(t, err, http.StatusBadRequest)
}

func TestProject_CreateRequiresActiveOrganization(t *testing.T) {
	f := newAcme(t)
	svc, _ := newProjectService(f)
	require.NoError(t, f.db.Model(f.org).Update("status", models.OrgStatusArchived).Error)

	_, err := svc.Create(f.alice, &CreateProjectRequest{Name: "Website", Key: "WEB"})
	requireStatus(t, err, http.StatusUnprocessableEntity)

	homeless := testutil.CreateUser(t, f.db, "drifter", models.RoleAdmin, 0)
	_, err = svc.Create(homeless, &CreateProjectRequest{Name: "Website", Key: "WEB"})
	requireStatus(t, err, http.StatusForbidden)
}

func TestProject_ListAndSearchAreScoped(t *testing.T) {
	f := newAcme(t)
	svc, _ := newProjectService(f)
	testutil.CreateProject(t, f.db, f.org, "WEB", f.alice)
	testutil.CreateProject(t, f.db, f.org, "API", f.alice)
	testutil.CreateProject(t, f.db, f.other, "GLX", f.mallory)

	page, err := svc.List(f.bob, &ProjectListRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	for _, p := range page.Items {
		assert.Equal(t, f.org.ID, p.OrganizationID)
	}

	page, err = svc.Search(f.bob, "GLX", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	page, err = svc.List(f.bob, &ProjectListRequest{Name: "API"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestProject_GetChecksTenant(t *testing.T) {
	f := newAcme(t)
	svc, _ := newProjectService(f)
	project := testutil.CreateProject(t, f.db, f.org, "WEB", f.alice)

	detail, err := svc.GetByKey(f.bob, "web")
	require.NoError(t, err)
	assert.Equal(t, project.ID, detail.ID)
	assert.Equal(t, "Alice", detail.OwnerName)

	_, err = svc.GetByID(f.mallory, project.ID)
	requireStatus(t, err, http.StatusForbidden)

	_, err = svc.GetByID(f.bob, 9999)
	requireStatus(t, err, http.StatusNotFound)

	_, err = svc.GetByKey(f.mallory, "WEB")
	requireStatus(t, err, http.StatusNotFound)
}

func TestProject_UpdateAndDeletePermissions(t *testing.T) {
	f := newAcme(t)
	svc, _ := newProjectService(f)
	project := testutil.CreateProject(t, f.db, f.org, "WEB", f.alice)
	manager := testutil.CreateUser(t, f.db, "mona", models.RoleManager, f.org.ID)
	ctx := context.Background()

	name := "Renamed"
	_, err := svc.Update(f.bob, project.ID, &UpdateProjectRequest{Name: &name})
	requireStatus(t, err, http.StatusForbidden)

	updated, err := svc.Update(manager, project.ID, &UpdateProjectRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "WEB", updated.Key)

	requireStatus(t, svc.Delete(ctx, f.bob, project.ID), http.StatusForbidden)
	requireStatus(t, svc.Delete(ctx, f.mallory, project.ID), http.StatusForbidden)

	issues := NewIssueService(f.db, nil, &recordingNotifier{}, "")
	issue, err := issues.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, f.alice, project.ID))
	_, err = issues.GetByID(f.alice, issue.ID)
	requireStatus(t, err, http.StatusNotFound)
}

func TestProject_Members(t *testing.T) {
	f := newAcme(t)
	svc, notifier := newProjectService(f)
	project := testutil.CreateProject(t, f.db, f.org, "WEB", f.alice)
	ctx := context.Background()

	member, err := svc.AddMember(ctx, f.alice, project.ID, &AddProjectMemberRequest{UserID: f.bob.ID})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRoleMember, member.Role)

	added := notifier.last(NotifyMemberAdded)
	require.NotNil(t, added)
	assert.Equal(t, []string{f.bob.Email}, added.Emails)

	_, err = svc.AddMember(ctx, f.alice, project.ID, &AddProjectMemberRequest{UserID: f.bob.ID})
	requireStatus(t, err, http.StatusConflict)

	_, err = svc.AddMember(ctx, f.alice, project.ID, &AddProjectMemberRequest{UserID: f.mallory.ID})
	requireStatus(t, err, http.StatusForbidden)

	_, err = svc.AddMember(ctx, f.bob, project.ID, &AddProjectMemberRequest{UserID: f.bob.ID, Role: models.ProjectRoleLead})
	requireStatus(t, err, http.StatusForbidden)

	updated, err := svc.UpdateMemberRole(f.alice, project.ID, f.bob.ID, models.ProjectRoleViewer)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRoleViewer, updated.Role)

	requireStatus(t, svc.RemoveMember(f.alice, project.ID, f.alice.ID), http.StatusForbidden)
	require.NoError(t, svc.RemoveMember(f.alice, project.ID, f.bob.ID))
	requireStatus(t, svc.RemoveMember(f.alice, project.ID, f.bob.ID), http.StatusNotFound)
}
