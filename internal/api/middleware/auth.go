package middleware

import (
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-gonic/gin"

	"github.com/convoyproxy/convoy/internal/access"
)

// tokenCookie carries the caller's opaque access token.
const tokenCookie = "access_token"

// unauthenticatedPaths may be reached without any token.
var unauthenticatedPaths = map[string]bool{
	"/start":  true,
	"/health": true,
	"/":       true,
}

// AuthConfig defines request authorization configuration.
type AuthConfig struct {
	// BannedPaths are exact paths or doublestar globs rejected outright.
	BannedPaths []string
}

// Auth rejects banned paths and bulk mutating operations, then requires
// either the internal privileged token or a previously issued user token for
// everything outside the unauthenticated allow-list.
func Auth(cfg AuthConfig, store *access.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		// Banned regardless of token validity.
		if isBanned(cfg.BannedPaths, path) || isBulkMutation(c.Request.Method, path) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "path not allowed"})
			return
		}

		if unauthenticatedPaths[path] || strings.HasPrefix(path, "/metrics") {
			c.Next()
			return
		}

		token, _ := c.Cookie(tokenCookie)
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
			return
		}
		if !store.IsInternal(token) && !store.TokenExists(c.Request.Context(), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}

		c.Set("token", token)
		c.Next()
	}
}

func isBanned(patterns []string, path string) bool {
	for _, p := range patterns {
		if p == path {
			return true
		}
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// isBulkMutation catches mutating operations that sweep across all of a
// user's resources, like hiding every conversation at once.
func isBulkMutation(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return false
	}
	switch strings.TrimSuffix(path, "/") {
	case "/backend-api/conversations", "/backend-alt/conversations":
		return true
	}
	return false
}
