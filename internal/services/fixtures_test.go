package services

import (
	"context"
	"sync"
	"testing"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/testutil"
	"github.com/huangang/issuehub/backend/pkg/response"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordingNotifier keeps every notification for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (r *recordingNotifier) last(kind string) *Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Kind == kind {
			return r.sent[i]
		}
	}
	return nil
}

// acme is the shared scenario: Alice owns Acme, Bob is a MEMBER, and
// Mallory owns the unrelated Globex.
type acme struct {
	db      *gorm.DB
	org     *models.Organization
	alice   *models.User
	bob     *models.User
	other   *models.Organization
	mallory *models.User
}

func newAcme(t *testing.T) *acme {
	t.Helper()

	db := testutil.NewDB(t)
	alice := testutil.CreateUser(t, db, "alice", models.RoleMember, 0)
	org := testutil.CreateOrganization(t, db, "Acme", alice)
	bob := testutil.CreateUser(t, db, "bob", models.RoleMember, org.ID)

	mallory := testutil.CreateUser(t, db, "mallory", models.RoleMember, 0)
	other := testutil.CreateOrganization(t, db, "Globex", mallory)

	return &acme{db: db, org: org, alice: alice, bob: bob, other: other, mallory: mallory}
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, status, response.StatusOf(err), "unexpected error: %v", err)
}
