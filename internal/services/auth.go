package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/utils"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

var errInvalidCredentials = response.NewUnauthorized("invalid username or password")

type AuthService struct {
	db        *gorm.DB
	directory DirectoryAuthenticator
	jwtConfig *config.JWTConfig
	notifier  Notifier
	baseURL   string
}

func NewAuthService(db *gorm.DB, jwtCfg *config.JWTConfig, directory DirectoryAuthenticator, notifier Notifier, baseURL string) *AuthService {
	return &AuthService{
		db:        db,
		directory: directory,
		jwtConfig: jwtCfg,
		notifier:  notifier,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

type RegisterRequest struct {
	Username  string `json:"username" binding:"required,min=2,max=50"`
	Email     string `json:"email" binding:"required,email,max=255"`
	Password  string `json:"password" binding:"required,min=6,max=100"`
	FirstName string `json:"first_name" binding:"max=50"`
	LastName  string `json:"last_name" binding:"max=50"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	AuthType string `json:"auth_type"` // local, ldap
}

type LoginResult struct {
	AccessToken     string
	AccessExpireAt  time.Time
	RefreshToken    string
	RefreshExpireAt time.Time
	User            *models.User
}

type RefreshResult struct {
	AccessToken     string
	AccessExpireAt  time.Time
	RefreshToken    string
	RefreshExpireAt time.Time
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=6,max=100"`
}

// workspaceName names the organization created for a self-registered user.
func workspaceName(firstName string) string {
	if firstName = strings.TrimSpace(firstName); firstName != "" {
		return firstName + "'s WorkSpace"
	}
	return "My WorkSpace"
}

// provisionUser inserts user together with a personal organization it
// owns. Callers provide the transaction.
func provisionUser(tx *gorm.DB, user *models.User) (*models.Organization, error) {
	if err := tx.Create(user).Error; err != nil {
		if models.IsUniqueViolation(err) {
			return nil, response.NewConflict("username or email already taken")
		}
		return nil, err
	}
	return createOrganizationFor(tx, user, workspaceName(user.FirstName), "", "")
}

// Register creates the account and its personal workspace atomically.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	email := normalizeEmail(req.Email)
	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Username:  username,
		Email:     email,
		Password:  hash,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Role:      models.RoleMember,
		AuthType:  models.AuthTypeLocal,
		IsActive:  true,
	}
	var org *models.Organization
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return response.NewConflict("username already taken")
		}
		if err := tx.Model(&models.User{}).Where("LOWER(email) = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return response.NewConflict("email already taken")
		}
		org, err = provisionUser(tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}

	LogInfo("Auth", "register", fmt.Sprintf("User %s registered with workspace %s", user.Username, org.Name), user, nil)
	s.notifier.Notify(ctx, &Notification{
		Kind:   NotifyWelcome,
		Emails: []string{user.Email},
		Data: map[string]string{
			"name":         user.FullName(),
			"organization": org.Name,
			"link":         s.baseURL,
		},
	})
	return user, nil
}

// Login verifies credentials and issues an access token plus a refresh token.
func (s *AuthService) Login(req *LoginRequest, clientIP, userAgent string) (*LoginResult, error) {
	var user *models.User
	var err error

	if req.AuthType == "" {
		req.AuthType = models.AuthTypeLocal
	}
	switch req.AuthType {
	case models.AuthTypeLocal:
		user, err = s.localAuth(req.Username, req.Password)
	case models.AuthTypeLDAP:
		user, err = s.ldapAuth(req.Username, req.Password)
	default:
		return nil, response.NewBadRequest("invalid auth type")
	}
	if err != nil {
		LogWarning("Auth", "login", fmt.Sprintf("Login failed for %s", req.Username), nil,
			map[string]interface{}{"ip": clientIP, "auth_type": req.AuthType})
		return nil, err
	}

	token, accessExpireAt, err := s.issueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshRecord, err := s.newRefreshRecord(user.ID, clientIP, userAgent)
	if err != nil {
		return nil, err
	}
	if err := s.db.Create(refreshRecord).Error; err != nil {
		return nil, err
	}

	loginAt := now()
	user.LastLogin = &loginAt
	if err := s.db.Model(user).Update("last_login", loginAt).Error; err != nil {
		logger.Warn().Err(err).Uint("user_id", user.ID).Msg("[Auth] failed to record last login")
	}

	return &LoginResult{
		AccessToken:     token,
		AccessExpireAt:  accessExpireAt,
		RefreshToken:    refreshToken,
		RefreshExpireAt: refreshRecord.ExpiresAt,
		User:            user,
	}, nil
}

// Refresh rotates a refresh token: the presented one is revoked and linked
// to its replacement.
func (s *AuthService) Refresh(refreshToken string, clientIP, userAgent string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, response.NewUnauthorized("refresh token required")
	}

	var stored models.RefreshToken
	if err := s.db.Where("token_hash = ?", hashRefreshToken(refreshToken)).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewUnauthorized("invalid refresh token")
		}
		return nil, err
	}
	if !stored.UsableAt(now()) {
		return nil, response.NewUnauthorized("refresh token expired or revoked")
	}

	var user models.User
	if err := s.db.First(&user, stored.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewUnauthorized("user not found")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, response.NewUnauthorized("user is disabled")
	}

	accessToken, accessExpireAt, err := s.issueAccessToken(&user)
	if err != nil {
		return nil, err
	}
	newToken, newRecord, err := s.newRefreshRecord(user.ID, clientIP, userAgent)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", stored.ID).
			Update("revoked_at", now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return response.NewUnauthorized("refresh token expired or revoked")
		}
		if err := tx.Create(newRecord).Error; err != nil {
			return err
		}
		return tx.Model(&models.RefreshToken{}).Where("id = ?", stored.ID).
			Update("replaced_by_token_id", newRecord.ID).Error
	})
	if err != nil {
		return nil, err
	}

	return &RefreshResult{
		AccessToken:     accessToken,
		AccessExpireAt:  accessExpireAt,
		RefreshToken:    newToken,
		RefreshExpireAt: newRecord.ExpiresAt,
	}, nil
}

// Logout revokes a refresh token. Unknown tokens are ignored.
func (s *AuthService) Logout(refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.db.Model(&models.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hashRefreshToken(refreshToken)).
		Update("revoked_at", now()).Error
}

// ChangePassword updates the caller's own password and revokes their
// refresh tokens.
func (s *AuthService) ChangePassword(caller *models.User, req *ChangePasswordRequest) error {
	var user models.User
	if err := s.db.First(&user, caller.ID).Error; err != nil {
		return response.NewNotFound("user not found")
	}
	if !CanActOnOwnResource(user.ID, caller) {
		return accessDenied()
	}
	if user.AuthType != models.AuthTypeLocal {
		return response.NewBadRequest("directory users cannot change password here")
	}
	if !utils.CheckPassword(req.OldPassword, user.Password) {
		return response.NewBadRequest("incorrect old password")
	}
	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&user).Update("password", hash).Error; err != nil {
			return err
		}
		return tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND revoked_at IS NULL", user.ID).
			Update("revoked_at", now()).Error
	})
	if err != nil {
		return err
	}
	LogInfo("Auth", "change_password", "Password changed", caller, nil)
	return nil
}

// GetUserByID loads an active account for request authentication.
func (s *AuthService) GetUserByID(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewUnauthorized("user not found")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, response.NewUnauthorized("user is disabled")
	}
	return &user, nil
}

func (s *AuthService) IsLDAPEnabled() bool {
	return s.directory != nil && s.directory.IsEnabled()
}

// CreateAdminIfNotExists seeds an admin account with its own workspace on
// an empty database.
func (s *AuthService) CreateAdminIfNotExists() error {
	var count int64
	if err := s.db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword("admin")
	if err != nil {
		return err
	}
	admin := &models.User{
		Username:  "admin",
		Email:     "admin@localhost",
		Password:  hash,
		FirstName: "Administrator",
		Role:      models.RoleAdmin,
		AuthType:  models.AuthTypeLocal,
		IsActive:  true,
	}
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		_, err := provisionUser(tx, admin)
		return err
	}); err != nil {
		return err
	}
	logger.Warn().Msg("[Auth] Created default admin account, change its password")
	return nil
}

func (s *AuthService) localAuth(username, password string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("username = ? AND auth_type = ?", username, models.AuthTypeLocal).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	if !utils.CheckPassword(password, user.Password) {
		return nil, errInvalidCredentials
	}
	if !user.IsActive {
		return nil, response.NewUnauthorized("user is disabled")
	}
	return &user, nil
}

// ldapAuth verifies against the directory and provisions the account with
// a personal workspace on first login.
func (s *AuthService) ldapAuth(username, password string) (*models.User, error) {
	if !s.IsLDAPEnabled() {
		return nil, response.NewBadRequest("LDAP login is not enabled")
	}
	entry, err := s.directory.Authenticate(username, password)
	if err != nil {
		logger.Warn().Err(err).Str("username", username).Msg("[Auth] LDAP authentication failed")
		return nil, errInvalidCredentials
	}

	var user models.User
	err = s.db.Where("username = ? AND auth_type = ?", entry.Username, models.AuthTypeLDAP).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			Username:  entry.Username,
			Email:     normalizeEmail(entry.Email),
			FirstName: entry.FirstName,
			LastName:  entry.LastName,
			Role:      models.RoleMember,
			AuthType:  models.AuthTypeLDAP,
			IsActive:  true,
		}
		if err := s.db.Transaction(func(tx *gorm.DB) error {
			_, err := provisionUser(tx, &user)
			return err
		}); err != nil {
			return nil, err
		}
		LogInfo("Auth", "ldap_provision", "Provisioned LDAP user "+user.Username, &user, nil)
		return &user, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, response.NewUnauthorized("user is disabled")
	}

	updates := map[string]interface{}{}
	if entry.Email != "" && normalizeEmail(entry.Email) != user.Email {
		updates["email"] = normalizeEmail(entry.Email)
	}
	if entry.FirstName != "" && entry.FirstName != user.FirstName {
		updates["first_name"] = entry.FirstName
	}
	if entry.LastName != "" && entry.LastName != user.LastName {
		updates["last_name"] = entry.LastName
	}
	if len(updates) > 0 {
		if err := s.db.Model(&user).Updates(updates).Error; err != nil {
			logger.Warn().Err(err).Str("username", user.Username).Msg("[Auth] failed to sync LDAP attributes")
		}
	}
	return &user, nil
}

func (s *AuthService) issueAccessToken(user *models.User) (string, time.Time, error) {
	hours := s.jwtConfig.ExpireHour
	if hours <= 0 {
		hours = 24
	}
	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, hours)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(time.Duration(hours) * time.Hour), nil
}

func (s *AuthService) newRefreshRecord(userID uint, clientIP, userAgent string) (string, *models.RefreshToken, error) {
	hours := s.jwtConfig.RefreshExpireHour
	if hours <= 0 {
		hours = 720
	}
	token, hash, err := generateRefreshToken()
	if err != nil {
		return "", nil, err
	}
	if len(userAgent) > 255 {
		userAgent = userAgent[:255]
	}
	return token, &models.RefreshToken{
		UserID:      userID,
		TokenHash:   hash,
		ExpiresAt:   now().Add(time.Duration(hours) * time.Hour),
		CreatedByIP: clientIP,
		UserAgent:   userAgent,
	}, nil
}

func generateRefreshToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(randomBytes)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
