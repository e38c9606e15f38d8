package services

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttachmentService(t *testing.T, f *acme) (*AttachmentService, string) {
	t.Helper()
	root := t.TempDir()
	blobs, err := storage.NewLocalStore(root, "/files")
	require.NoError(t, err)
	return NewAttachmentService(f.db, blobs), root
}

func textUpload(name, body string) *Upload {
	return &Upload{
		FileName:    name,
		ContentType: "text/plain",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
	}
}

func TestAttachment_UploadDownloadDelete(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	svc, root := newAttachmentService(t, f)
	ctx := context.Background()

	attachment, err := svc.Upload(ctx, f.bob, issue.ID, textUpload("notes.txt", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", attachment.FileName)
	assert.Equal(t, int64(5), attachment.Size)
	assert.True(t, strings.HasPrefix(attachment.URL, "/files/attachments/"))

	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(attachment.StorageKey)))
	require.NoError(t, err)

	list, err := svc.List(f.alice, issue.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, rc, err := svc.Download(ctx, f.alice, attachment.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, attachment.ID, got.ID)

	carol := testutil.CreateUser(t, f.db, "carol", models.RoleMember, f.org.ID)
	requireStatus(t, svc.Delete(ctx, carol, attachment.ID), http.StatusForbidden)
	require.NoError(t, svc.Delete(ctx, f.bob, attachment.ID))

	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(attachment.StorageKey)))
	assert.True(t, os.IsNotExist(err))

	activities, err := activitiesOf(f.db, issue.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(activities))
	for _, a := range activities {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, ActivityAttachmentAdded)
	assert.Contains(t, actions, ActivityAttachmentRemoved)
}

func TestAttachment_UploadValidation(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	svc, _ := newAttachmentService(t, f)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller *models.User
		up     *Upload
		status int
	}{
		{"empty", f.bob, &Upload{FileName: "a.txt", ContentType: "text/plain", Body: strings.NewReader("")}, http.StatusBadRequest},
		{"too large", f.bob, &Upload{FileName: "a.txt", ContentType: "text/plain", Size: MaxAttachmentSize + 1, Body: strings.NewReader("x")}, http.StatusBadRequest},
		{"bad type", f.bob, &Upload{FileName: "a.exe", ContentType: "application/x-msdownload", Size: 1, Body: strings.NewReader("x")}, http.StatusBadRequest},
		{"other tenant", f.mallory, textUpload("a.txt", "x"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tt.caller, issue.ID, tt.up)
			requireStatus(t, err, tt.status)
		})
	}

	_, err := svc.Upload(ctx, f.bob, 9999, textUpload("a.txt", "x"))
	requireStatus(t, err, http.StatusNotFound)
}

func TestAttachment_MissingBlobIsNotFound(t *testing.T) {
	f := newAcme(t)
	issue := newReportedIssue(t, f)
	svc, root := newAttachmentService(t, f)
	ctx := context.Background()

	attachment, err := svc.Upload(ctx, f.bob, issue.ID, textUpload("gone.txt", "bye"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, filepath.FromSlash(attachment.StorageKey))))

	_, _, err = svc.Download(ctx, f.bob, attachment.ID)
	requireStatus(t, err, http.StatusNotFound)

	_, _, err = svc.Download(ctx, f.mallory, attachment.ID)
	requireStatus(t, err, http.StatusForbidden)
}
