// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/huangang/issuehub/backend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory sqlite database with the full schema.
// The pool is pinned to one connection so concurrent callers serialize on
// it the way they would on row locks in a server database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateUser inserts an active local user. orgID may be 0 for no organization.
func CreateUser(t *testing.T, db *gorm.DB, username, role string, orgID uint) *models.User {
	t.Helper()

	user := &models.User{
		Username:  username,
		Email:     username + "@example.com",
		FirstName: strings.ToUpper(username[:1]) + username[1:],
		Role:      role,
		AuthType:  models.AuthTypeLocal,
		IsActive:  true,
	}
	if orgID != 0 {
		id := orgID
		user.OrganizationID = &id
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return user
}

// CreateOrganization inserts an ACTIVE organization owned by owner and
// moves owner into it as ADMIN.
func CreateOrganization(t *testing.T, db *gorm.DB, name string, owner *models.User) *models.Organization {
	t.Helper()

	org := &models.Organization{
		Name:    name,
		Slug:    strings.ToLower(strings.ReplaceAll(name, " ", "-")),
		OwnerID: owner.ID,
		Status:  models.OrgStatusActive,
	}
	if err := db.Create(org).Error; err != nil {
		t.Fatalf("create organization %s: %v", name, err)
	}

	id := org.ID
	owner.OrganizationID = &id
	owner.Role = models.RoleAdmin
	if err := db.Save(owner).Error; err != nil {
		t.Fatalf("link owner: %v", err)
	}
	return org
}

// CreateProject inserts an ACTIVE project in org owned by owner.
func CreateProject(t *testing.T, db *gorm.DB, org *models.Organization, key string, owner *models.User) *models.Project {
	t.Helper()

	project := &models.Project{
		OrganizationID: org.ID,
		Key:            key,
		Name:           key + " project",
		Status:         models.ProjectStatusActive,
		OwnerID:        owner.ID,
	}
	if err := db.Create(project).Error; err != nil {
		t.Fatalf("create project %s: %v", key, err)
	}
	return project
}

// Reload re-reads user from db.
func Reload(t *testing.T, db *gorm.DB, user *models.User) *models.User {
	t.Helper()

	var fresh models.User
	if err := db.First(&fresh, user.ID).Error; err != nil {
		t.Fatalf("reload user %d: %v", user.ID, err)
	}
	return &fresh
}
