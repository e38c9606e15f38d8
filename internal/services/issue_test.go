package services

import (
	"context"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newIssueFixture(t *testing.T) (*acme, *models.Project, *IssueService, *recordingNotifier) {
	t.Helper()
	f := newAcme(t)
	project := testutil.CreateProject(t, f.db, f.org, "WEB", f.alice)
	notifier := &recordingNotifier{}
	return f, project, NewIssueService(f.db, nil, notifier, "https://app.example.com/"), notifier
}

func issueNumbers(t *testing.T, f *acme, projectID uint) []int {
	t.Helper()
	var numbers []int
	require.NoError(t, f.db.Model(&models.Issue{}).Where("project_id = ?", projectID).Order("issue_number").Pluck("issue_number", &numbers).Error)
	return numbers
}

func TestParseIssueKey(t *testing.T) {
	tests := []struct {
		in     string
		key    string
		number int
		ok     bool
	}{
		{"WEB-12", "WEB", 12, true},
		{"web-1", "WEB", 1, true},
		{"WEB-0", "", 0, false},
		{"WEB-", "", 0, false},
		{"-5", "", 0, false},
		{"WEB-x", "", 0, false},
	}
	for _, tt := range tests {
		key, number, ok := parseIssueKey(tt.in)
		if key != tt.key || number != tt.number || ok != tt.ok {
			t.Errorf("parseIssueKey(%q) = (%q, %d, %v), expected (%q, %d, %v)", tt.in, key, number, ok, tt.key, tt.number, tt.ok)
		}
	}
}

func TestIssue_SequentialNumbering(t *testing.T) {
	f, project, svc, notifier := newIssueFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		issue, err := svc.Create(ctx, f.bob, project.ID, &CreateIssueRequest{Title: "task"})
		require.NoError(t, err)
		assert.Equal(t, i, issue.IssueNumber)
		assert.Equal(t, issueKey("WEB", i), issue.IssueKey)
		assert.Equal(t, models.IssueStatusTodo, issue.Status)
		assert.Equal(t, models.PriorityMedium, issue.Priority)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, issueNumbers(t, f, project.ID))

	created := notifier.last(NotifyIssueCreated)
	require.NotNil(t, created)
	assert.Equal(t, []string{ProjectTopic(project.ID)}, created.Topics)
}

func TestIssue_NumbersArePerProject(t *testing.T) {
	f, web, svc, _ := newIssueFixture(t)
	api := testutil.CreateProject(t, f.db, f.org, "API", f.alice)
	ctx := context.Background()

	_, err := svc.Create(ctx, f.alice, web.ID, &CreateIssueRequest{Title: "a"})
	require.NoError(t, err)
	issue, err := svc.Create(ctx, f.alice, api.ID, &CreateIssueRequest{Title: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, issue.IssueNumber)
	assert.Equal(t, "API-1", issue.IssueKey)
}

func TestIssue_ConcurrentNumbering(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), f.bob, project.ID, &CreateIssueRequest{Title: "race"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	numbers := issueNumbers(t, f, project.ID)
	sort.Ints(numbers)
	expected := make([]int, n)
	for i := range expected {
		expected[i] = i + 1
	}
	assert.Equal(t, expected, numbers)
}

func TestIssue_NextNumberSkipsGaps(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "one"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "two"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, f.alice, first.ID))

	third, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, third.IssueNumber)
}

func TestIssue_DeletedLastNumberIsNotReused(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "one"})
	require.NoError(t, err)
	second, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "two"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, f.alice, second.ID))

	next, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, next.IssueNumber)
	assert.Equal(t, "WEB-3", next.IssueKey)
}

func TestIssue_NumberingRespectsIssuesWithoutCounter(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	require.NoError(t, f.db.Create(&models.Issue{
		ProjectID: project.ID, IssueNumber: 7, IssueKey: "WEB-7", Title: "imported",
		Type: models.IssueTypeTask, Status: models.IssueStatusTodo, Priority: models.PriorityLow, ReporterID: f.alice.ID,
	}).Error)

	issue, err := svc.Create(context.Background(), f.alice, project.ID, &CreateIssueRequest{Title: "after import"})
	require.NoError(t, err)
	assert.Equal(t, 8, issue.IssueNumber)

	var stored models.Project
	require.NoError(t, f.db.First(&stored, project.ID).Error)
	assert.Equal(t, 8, stored.LastIssueNumber)
}

// failIssueInserts makes the next n issue inserts fail as if another
// transaction had taken the same number.
func failIssueInserts(t *testing.T, db *gorm.DB, n int32) *atomic.Int32 {
	t.Helper()
	var remaining, seen atomic.Int32
	remaining.Store(n)
	err := db.Callback().Create().Before("gorm:create").Register("test:duplicate_issue_number", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Model.(*models.Issue); !ok {
			return
		}
		seen.Add(1)
		if remaining.Add(-1) >= 0 {
			tx.AddError(gorm.ErrDuplicatedKey)
		}
	})
	require.NoError(t, err)
	return &seen
}

func TestIssue_RetriesDuplicateNumber(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	attempts := failIssueInserts(t, f.db, 2)

	issue, err := svc.Create(context.Background(), f.bob, project.ID, &CreateIssueRequest{Title: "contended"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	// the failed attempts rolled back their counter bumps
	assert.Equal(t, 1, issue.IssueNumber)
	assert.Equal(t, []int{1}, issueNumbers(t, f, project.ID))
}

func TestIssue_GivesUpAfterRepeatedDuplicates(t *testing.T) {
	f, project, svc, notifier := newIssueFixture(t)
	attempts := failIssueInserts(t, f.db, maxIssueNumberAttempts)

	_, err := svc.Create(context.Background(), f.bob, project.ID, &CreateIssueRequest{Title: "contended"})
	requireStatus(t, err, http.StatusConflict)
	assert.Equal(t, int32(maxIssueNumberAttempts), attempts.Load())
	assert.Empty(t, issueNumbers(t, f, project.ID))
	assert.Nil(t, notifier.last(NotifyIssueCreated))
}

func TestIssue_ConcurrentCreatesOnFileDatabase(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "issuehub.db")}
	require.NoError(t, models.InitDB(cfg, false))
	db := models.GetDB()
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.Migrate(db))

	alice := testutil.CreateUser(t, db, "alice", models.RoleMember, 0)
	org := testutil.CreateOrganization(t, db, "Acme", alice)
	project := testutil.CreateProject(t, db, org, "WEB", alice)
	svc := NewIssueService(db, nil, &recordingNotifier{}, "")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), alice, project.ID, &CreateIssueRequest{Title: "race"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var numbers []int
	require.NoError(t, db.Model(&models.Issue{}).Where("project_id = ?", project.ID).Order("issue_number").Pluck("issue_number", &numbers).Error)
	require.Len(t, numbers, n)
	for i, number := range numbers {
		assert.Equal(t, i+1, number)
	}
}

func TestIssue_CreateRules(t *testing.T) {
	f, project, svc, notifier := newIssueFixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, f.mallory, project.ID, &CreateIssueRequest{Title: "x"})
	requireStatus(t, err, http.StatusForbidden)

	_, err = svc.Create(ctx, f.alice, 9999, &CreateIssueRequest{Title: "x"})
	requireStatus(t, err, http.StatusNotFound)

	foreign := f.mallory.ID
	_, err = svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x", AssigneeID: &foreign})
	requireStatus(t, err, http.StatusForbidden)

	bob := f.bob.ID
	issue, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x", AssigneeID: &bob})
	require.NoError(t, err)
	assigned := notifier.last(NotifyIssueAssigned)
	require.NotNil(t, assigned)
	assert.Equal(t, []string{f.bob.Email}, assigned.Emails)
	assert.Contains(t, assigned.Topics, UserTopic(f.bob.ID))
	assert.Equal(t, issue.IssueKey, assigned.Data["issue_key"])

	require.NoError(t, f.db.Model(project).Update("status", models.ProjectStatusArchived).Error)
	_, err = svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x"})
	requireStatus(t, err, http.StatusUnprocessableEntity)
}

func TestIssue_UpdateWritesActivityPerField(t *testing.T) {
	f, project, svc, notifier := newIssueFixture(t)
	ctx := context.Background()

	issue, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "old"})
	require.NoError(t, err)

	title := "new"
	status := models.IssueStatusInProgress
	priority := models.PriorityMedium // unchanged
	updated, err := svc.Update(ctx, f.bob, issue.ID, &UpdateIssueRequest{Title: &title, Status: &status, Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Title)
	assert.Equal(t, models.IssueStatusInProgress, updated.Status)

	activities, err := NewActivityService(f.db).ListForIssue(f.bob, issue.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(activities))
	for _, a := range activities {
		actions = append(actions, a.Action)
	}
	assert.ElementsMatch(t, []string{ActivityCreated, ActivityUpdated, ActivityStatusChanged}, actions)

	changed := notifier.last(NotifyStatusChanged)
	require.NotNil(t, changed)
	assert.Equal(t, models.IssueStatusTodo, changed.Data["old_status"])
	assert.Equal(t, models.IssueStatusInProgress, changed.Data["new_status"])

	_, err = svc.UpdateStatus(ctx, f.bob, issue.ID, "BOGUS")
	requireStatus(t, err, http.StatusBadRequest)
}

func TestIssue_AssignAndUnassign(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()

	issue, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x"})
	require.NoError(t, err)

	bob := f.bob.ID
	assigned, err := svc.Assign(ctx, f.alice, issue.ID, &bob)
	require.NoError(t, err)
	require.NotNil(t, assigned.Assignee)
	assert.Equal(t, f.bob.ID, assigned.Assignee.ID)

	mallory := f.mallory.ID
	_, err = svc.Assign(ctx, f.alice, issue.ID, &mallory)
	requireStatus(t, err, http.StatusForbidden)

	cleared, err := svc.Assign(ctx, f.alice, issue.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.AssigneeID)
}

func TestIssue_ListIsTenantScoped(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()
	globex := testutil.CreateProject(t, f.db, f.other, "GLX", f.mallory)

	_, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "login bug", Type: models.IssueTypeBug})
	require.NoError(t, err)
	_, err = svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "signup"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, f.mallory, globex.ID, &CreateIssueRequest{Title: "login secret"})
	require.NoError(t, err)

	page, err := svc.List(f.bob, &IssueListRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	page, err = svc.Search(f.bob, "login", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "login bug", page.Items[0].Title)
	require.NotNil(t, page.Items[0].Reporter)

	page, err = svc.List(f.bob, &IssueListRequest{Type: models.IssueTypeBug})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	_, err = svc.List(f.bob, &IssueListRequest{ProjectID: globex.ID})
	requireStatus(t, err, http.StatusForbidden)
}

func TestIssue_GetByKeyAndID(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()

	issue, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x"})
	require.NoError(t, err)

	byKey, err := svc.GetByKey(f.bob, "web-1")
	require.NoError(t, err)
	assert.Equal(t, issue.ID, byKey.ID)

	_, err = svc.GetByKey(f.mallory, "WEB-1")
	requireStatus(t, err, http.StatusNotFound)

	_, err = svc.GetByID(f.mallory, issue.ID)
	requireStatus(t, err, http.StatusForbidden)

	detail, err := svc.Detail(ctx, f.bob, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "WEB", detail.ProjectKey)
	assert.Len(t, detail.Activities, 1)
	assert.Empty(t, detail.Comments)
}

func TestIssue_DeletePermissions(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()
	carol := testutil.CreateUser(t, f.db, "carol", models.RoleMember, f.org.ID)

	issue, err := svc.Create(ctx, f.bob, project.ID, &CreateIssueRequest{Title: "x"})
	require.NoError(t, err)

	requireStatus(t, svc.Delete(ctx, carol, issue.ID), http.StatusForbidden)
	requireStatus(t, svc.Delete(ctx, f.mallory, issue.ID), http.StatusForbidden)
	require.NoError(t, svc.Delete(ctx, f.alice, issue.ID))

	own, err := svc.Create(ctx, carol, project.ID, &CreateIssueRequest{Title: "mine"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, carol, own.ID))
}

func TestIssue_Count(t *testing.T) {
	f, project, svc, _ := newIssueFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, f.alice, project.ID, &CreateIssueRequest{Title: "x"})
		require.NoError(t, err)
	}
	_, err := svc.UpdateStatus(ctx, f.alice, 1, models.IssueStatusDone)
	require.NoError(t, err)

	counts, err := svc.Count(f.bob, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.IssueStatusTodo])
	assert.Equal(t, int64(1), counts[models.IssueStatusDone])
	assert.Equal(t, int64(0), counts[models.IssueStatusInReview])
}
