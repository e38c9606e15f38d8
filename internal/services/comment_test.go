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

// newReportedIssue creates WEB-1 reported by alice and assigned to bob.
func newReportedIssue(t *testing.T, f *acme) *models.Issue {
	t.Helper()
	project := testutil.CreateProject(t, f.db, f.org, "WEB", f.alice)
	issues := NewIssueService(f.db, nil, &recordingNotifier{}, "")
	issue, err := issues.Create(context.Background(), f.alice, project.ID, &CreateIssueRequest{
		Title:      "Broken login",
		AssigneeID: &f.bob.ID,
	})
	require.NoError(t, err)
	return issue
}

func TestComment_AddNotifiesWatchers(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	notifier := &recordingNotifier{}
	svc := NewCommentService(f.db, notifier, "https://app.example.com/")

	comment, err := svc.Add(context.Background(), f.bob, issue.ID, &CommentRequest{Content: "  looking  "})
	require.NoError(t, err)
	assert.Equal(t, "looking", comment.Content)
	assert.Equal(t, f.bob.ID, comment.AuthorID)

	n := notifier.last(NotifyCommentAdded)
	require.NotNil(t, n)
	assert.Equal(t, []string{f.alice.Email}, n.Emails)
	assert.Equal(t, []string{ProjectTopic(issue.ProjectID)}, n.Topics)
	assert.Equal(t, "https://app.example.com/issues/WEB-1", n.Data["link"])

	activities, err := activitiesOf(f.db, issue.ID)
	require.NoError(t, err)
	var commented int
	for _, a := range activities {
		if a.Action == ActivityCommented {
			commented++
		}
	}
	assert.Equal(t, 1, commented)
}

func TestComment_Validation(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	svc := NewCommentService(f.db, &recordingNotifier{}, "")
	ctx := context.Background()

	_, err := svc.Add(ctx, f.bob, issue.ID, &CommentRequest{Content: "   "})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = svc.Add(ctx, f.mallory, issue.ID, &CommentRequest{Content: "hi"})
	requireStatus(t, err, http.StatusForbidden)

	_, err = svc.Add(ctx, f.bob, 9999, &CommentRequest{Content: "hi"})
	requireStatus(t, err, http.StatusNotFound)
}

func TestComment_ListIsChronological(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	svc := NewCommentService(f.db, &recordingNotifier{}, "")
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		_, err := svc.Add(ctx, f.alice, issue.ID, &CommentRequest{Content: text})
		require.NoError(t, err)
	}

	comments, err := svc.List(f.bob, issue.ID)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, "first", comments[0].Content)
	assert.Equal(t, "third", comments[2].Content)
	require.NotNil(t, comments[0].Author)
	assert.Equal(t, "alice", comments[0].Author.Username)

	_, err = svc.List(f.mallory, issue.ID)
	requireStatus(t, err, http.StatusForbidden)
}

func TestComment_OnlyAuthorOrAdminEdits(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	svc := NewCommentService(f.db, &recordingNotifier{}, "")
	carol := testutil.CreateUser(t, f.db, "carol", models.RoleMember, f.org.ID)

	comment, err := svc.Add(context.Background(), f.bob, issue.ID, &CommentRequest{Content: "draft"})
	require.NoError(t, err)

	_, err = svc.Update(carol, comment.ID, &CommentRequest{Content: "hijack"})
	requireStatus(t, err, http.StatusForbidden)

	updated, err := svc.Update(f.bob, comment.ID, &CommentRequest{Content: "final"})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Content)

	stored, err := svc.GetByID(carol, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", stored.Content)

	requireStatus(t, svc.Delete(carol, comment.ID), http.StatusForbidden)
	requireStatus(t, svc.Delete(f.mallory, comment.ID), http.StatusForbidden)
	require.NoError(t, svc.Delete(f.alice, comment.ID))

	_, err = svc.GetByID(f.bob, comment.ID)
	requireStatus(t, err, http.StatusNotFound)
}
