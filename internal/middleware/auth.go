package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/utils"
	"github.com/huangang/issuehub/backend/pkg/response"
)

const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
	ContextRole     = "role"
	ContextUser     = "user"
)

// UserLoader resolves the account behind a token. It must reject
// deactivated users.
type UserLoader interface {
	GetUserByID(id uint) (*models.User, error)
}

// bearerToken reads "Authorization: Bearer <token>". EventSource clients
// cannot set headers, so the access_token query parameter is accepted
// when the header is absent.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("access_token")
		return token, token != ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthRequired checks the access token and stores its claims.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "authorization header required")
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// LoadCaller loads the authenticated user so handlers see the current
// role and organization rather than the ones baked into the token.
func LoadCaller(users UserLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetUserID(c)
		if id == 0 {
			response.Unauthorized(c, "authentication required")
			c.Abort()
			return
		}
		user, err := users.GetUserByID(id)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(ContextUser, user)
		c.Set(ContextRole, user.Role)
		c.Next()
	}
}

// CurrentUser returns the caller stored by LoadCaller, or nil.
func CurrentUser(c *gin.Context) *models.User {
	if v, exists := c.Get(ContextUser); exists {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

func GetUserID(c *gin.Context) uint {
	if id, exists := c.Get(ContextUserID); exists {
		if v, ok := id.(uint); ok {
			return v
		}
	}
	return 0
}

func GetUsername(c *gin.Context) string {
	return c.GetString(ContextUsername)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
