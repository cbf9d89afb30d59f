package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/proxy"
	"github.com/convoyproxy/convoy/internal/relay"
	"github.com/convoyproxy/convoy/internal/worker"
)

func newTestRouter(t *testing.T) (*gin.Engine, *access.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := access.Open(filepath.Join(t.TempDir(), "access.db"), "internal", access.Flags{}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	accounts := account.NewManager()
	require.NoError(t, accounts.Add(&account.Account{Name: "acct-a"}))
	require.NoError(t, accounts.Add(&account.Account{Name: "acct-b"}))

	logger := logging.NewNop()
	registry := worker.NewRegistry(30*time.Minute, 10*time.Millisecond, logger)
	dispatcher := worker.NewDispatcher(registry, worker.DispatcherConfig{
		FindTimeout: 50 * time.Millisecond,
		AckTimeout:  50 * time.Millisecond,
		RetryBudget: 1,
	}, logger, nil)
	rl := relay.New(registry, store, logger, nil)

	upstream := config.UpstreamConfig{
		MainHost:    "chatgpt.com",
		APIHost:     "ab.chatgpt.com",
		CDNHost:     "cdn.oaistatic.com",
		SandboxHost: "web-sandbox.oaiusercontent.com",
	}
	px := proxy.New(upstream, "https://proxy.example.com", accounts, store, logger, nil)

	h := NewHandlers(accounts, store, dispatcher, rl, px, "letmein", logger, nil)

	router := gin.New()
	router.GET("/", h.Root)
	router.GET("/start", h.Start)
	router.GET(proxy.SelectionPath, h.ListAccounts)
	router.GET("/switch-account/:name", h.SwitchAccount)
	router.POST("/backend-api/conversation", h.Conversation)
	return router, store
}

func cookieValue(t *testing.T, resp *http.Response, name string) string {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	t.Fatalf("cookie %s not set", name)
	return ""
}

func TestConversationWithoutAccountRedirects(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/backend-api/conversation", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, proxy.SelectionPath, rec.Header().Get("Location"))
}

func TestConversationNoWorkersIsServiceUnavailable(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/backend-api/conversation", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: proxy.AccountCookie, Value: "acct-a"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConversationMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/backend-api/conversation", strings.NewReader(`not json`))
	req.AddCookie(&http.Cookie{Name: proxy.AccountCookie, Value: "acct-a"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationContinuationRequiresAccess(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"conversation_id": "conv-foreign"}`
	req := httptest.NewRequest("POST", "/backend-api/conversation", strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: proxy.AccountCookie, Value: "acct-a"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartIssuesToken(t *testing.T) {
	router, store := newTestRouter(t)

	req := httptest.NewRequest("GET", "/start?passcode=letmein", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	token := cookieValue(t, rec.Result(), proxy.TokenCookie)
	assert.NotEmpty(t, token)
	assert.True(t, store.TokenExists(req.Context(), token))

	var doc struct {
		Token string `json:"token"`
	}
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, token, doc.Token)
}

func TestStartRejectsBadPasscode(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/start", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartAcceptsKnownToken(t *testing.T) {
	router, store := newTestRouter(t)
	require.NoError(t, store.IssueToken(context.Background(), "tok-1"))

	req := httptest.NewRequest("GET", "/start?token=tok-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok-1", cookieValue(t, rec.Result(), proxy.TokenCookie))
}

func TestStartRejectsUnknownToken(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/start?token=never-issued", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSwitchAccount(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/switch-account/acct-b", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "acct-b", cookieValue(t, rec.Result(), proxy.AccountCookie))
}

func TestSwitchAccountUnknown(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/switch-account/nobody", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAccountsWithholdsCredentials(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", proxy.SelectionPath, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "acct-a")
	assert.Contains(t, out, "acct-b")
	assert.NotContains(t, out, "access_token")
	assert.NotContains(t, out, "cookie")
}