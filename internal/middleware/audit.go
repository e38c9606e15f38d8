package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/services"
)

const maxAuditBody = 2000

var sensitiveKeys = []string{"password", "old_password", "new_password", "token", "refresh_token", "access_token", "secret"}

// AuditLog records authenticated write requests to system_logs. Multipart
// bodies are not captured.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
			c.Next()
			return
		}

		var bodySnippet string
		if c.Request.Body != nil && strings.HasPrefix(c.ContentType(), "application/json") {
			bodyBytes, _ := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			bodySnippet = maskSensitiveFields(string(bodyBytes))
			if len(bodySnippet) > maxAuditBody {
				bodySnippet = bodySnippet[:maxAuditBody] + "...[truncated]"
			}
		}

		c.Next()

		caller := CurrentUser(c)
		if caller == nil {
			return
		}
		status := c.Writer.Status()
		module, action := parseRouteInfo(c.FullPath(), method)

		services.LogInfo(module, action, formatAuditMessage(caller.Username, method, c.Request.URL.Path, status), caller,
			map[string]interface{}{
				"method": method,
				"path":   c.Request.URL.Path,
				"status": status,
				"ip":     c.ClientIP(),
				"body":   bodySnippet,
				"audit":  true,
			})
	}
}

// parseRouteInfo maps "/api/projects/:id" + PUT to ("Projects", "Update").
func parseRouteInfo(fullPath, method string) (module, action string) {
	path := strings.TrimPrefix(fullPath, "/api/")
	module = strings.SplitN(path, "/", 2)[0]
	if module == "" {
		module = "unknown"
	}
	module = strings.ToUpper(module[:1]) + module[1:]

	switch method {
	case http.MethodPost:
		action = "Create"
	case http.MethodPut, http.MethodPatch:
		action = "Update"
	case http.MethodDelete:
		action = "Delete"
	default:
		action = method
	}
	return module, action
}

func formatAuditMessage(username, method, path string, status int) string {
	result := "Failed"
	if status >= 200 && status < 300 {
		result = "OK"
	}
	return "[Audit] " + username + " " + method + " " + path + " -> " + result
}

func maskSensitiveFields(body string) string {
	for _, key := range sensitiveKeys {
		body = maskJSONValue(body, key)
	}
	return body
}

// maskJSONValue masks every quoted string value of "key" in body.
func maskJSONValue(body, key string) string {
	needle := "\"" + key + "\""
	from := 0
	for {
		idx := strings.Index(strings.ToLower(body[from:]), needle)
		if idx == -1 {
			return body
		}
		pos := from + idx + len(needle)

		rest := strings.TrimLeft(body[pos:], " \t")
		if !strings.HasPrefix(rest, ":") {
			from = pos
			continue
		}
		valueStart := len(body) - len(strings.TrimLeft(rest[1:], " \t"))
		if valueStart >= len(body) || body[valueStart] != '"' {
			from = pos
			continue
		}
		end := strings.Index(body[valueStart+1:], "\"")
		if end == -1 {
			return body
		}
		body = body[:valueStart+1] + "***" + body[valueStart+1+end:]
		from = valueStart + 4
	}
}
