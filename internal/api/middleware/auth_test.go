package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *access.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := access.Open(filepath.Join(t.TempDir(), "access.db"), "internal-token", access.Flags{}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := gin.New()
	router.Use(Auth(AuthConfig{
		BannedPaths: []string{"/backend-api/payments/**", "/backend-api/accounts/logout"},
	}, store))
	router.Any("/*path", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"token": c.GetString("token")})
	})
	return router, store
}

func do(router *gin.Engine, method, path, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "access_token", Value: cookie})
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingToken(t *testing.T) {
	router, _ := newAuthRouter(t)

	rec := do(router, "GET", "/backend-api/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	router, _ := newAuthRouter(t)

	rec := do(router, "GET", "/backend-api/me", "never-issued")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsIssuedToken(t *testing.T) {
	router, store := newAuthRouter(t)
	require.NoError(t, store.IssueToken(context.Background(), "t1"))

	rec := do(router, "GET", "/backend-api/me", "t1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "t1")
}

func TestAuthAcceptsInternalToken(t *testing.T) {
	router, _ := newAuthRouter(t)

	rec := do(router, "GET", "/backend-api/me", "internal-token")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAcceptsBearerHeader(t *testing.T) {
	router, store := newAuthRouter(t)
	require.NoError(t, store.IssueToken(context.Background(), "t1"))

	req := httptest.NewRequest("GET", "/backend-api/me", nil)
	req.Header.Set("Authorization", "Bearer t1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthBansPathsRegardlessOfToken(t *testing.T) {
	router, store := newAuthRouter(t)
	require.NoError(t, store.IssueToken(context.Background(), "t1"))

	tests := []struct {
		name string
		path string
	}{
		{"glob", "/backend-api/payments/checkout"},
		{"nested glob", "/backend-api/payments/a/b"},
		{"exact", "/backend-api/accounts/logout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(router, "GET", tt.path, "t1")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			// The internal token is banned too.
			rec = do(router, "GET", tt.path, "internal-token")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthBlocksBulkMutations(t *testing.T) {
	router, store := newAuthRouter(t)
	require.NoError(t, store.IssueToken(context.Background(), "t1"))

	rec := do(router, "PATCH", "/backend-api/conversations", "t1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(router, "POST", "/backend-alt/conversations/", "t1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reading the listing stays allowed.
	rec = do(router, "GET", "/backend-api/conversations", "t1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAllowsUnauthenticatedPaths(t *testing.T) {
	router, _ := newAuthRouter(t)

	for _, path := range []string{"/", "/health", "/start", "/metrics"} {
		rec := do(router, "GET", path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
