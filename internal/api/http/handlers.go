// Package http holds the front door's own HTTP handlers: account selection,
// token issuance and the canned routes that never reach upstream.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/proxy"
	"github.com/convoyproxy/convoy/internal/relay"
	"github.com/convoyproxy/convoy/internal/worker"
)

const cookieMaxAge = 180 * 24 * 60 * 60

// Handlers bundles the front door's own endpoints.
type Handlers struct {
	accounts   *account.Manager
	store      *access.Store
	dispatcher *worker.Dispatcher
	relay      *relay.Relay
	proxy      *proxy.Proxy
	passcode   string
	logger     *logging.Logger
	metrics    *monitoring.Metrics
}

// NewHandlers creates the handler set.
func NewHandlers(accounts *account.Manager, store *access.Store, dispatcher *worker.Dispatcher, rl *relay.Relay, px *proxy.Proxy, passcode string, logger *logging.Logger, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		accounts:   accounts,
		store:      store,
		dispatcher: dispatcher,
		relay:      rl,
		proxy:      px,
		passcode:   passcode,
		logger:     logger,
		metrics:    metrics,
	}
}

// Root serves a minimal service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "convoy", "status": "running"})
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ListAccounts returns the public account summaries for the selection page.
func (h *Handlers) ListAccounts(c *gin.Context) {
	summaries := h.accounts.Summaries()
	if h.metrics != nil {
		for _, s := range summaries {
			h.metrics.AccountDegradation.WithLabelValues(s.Name).Set(float64(s.Degradation))
			h.metrics.AccountLoad.WithLabelValues(s.Name).Set(float64(s.Load))
			_, busy := h.dispatcher.Registry().Counts(s.Name)
			h.metrics.WorkersBusy.WithLabelValues(s.Name).Set(float64(busy))
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": summaries})
}

// SwitchAccount sets the account-selection cookie.
func (h *Handlers) SwitchAccount(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.accounts.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	c.SetCookie(proxy.AccountCookie, name, cookieMaxAge, "/", "", false, false)
	c.Redirect(http.StatusFound, "/")
}

// Start issues or accepts an opaque access token and sets it as a cookie.
// A deployment passcode, when configured, gates fresh issuance.
func (h *Handlers) Start(c *gin.Context) {
	token := c.Query("token")
	if token != "" {
		if !h.store.TokenExists(c.Request.Context(), token) && !h.store.IsInternal(token) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown token"})
			return
		}
	} else {
		if h.passcode != "" && c.Query("passcode") != h.passcode {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad passcode"})
			return
		}
		token = xid.New().String()
		if err := h.store.IssueToken(c.Request.Context(), token); err != nil {
			h.logger.Error("token issuance failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
			return
		}
	}

	c.SetCookie(proxy.TokenCookie, token, cookieMaxAge, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Canned responses served in place of upstream for a fixed set of paths.

// SubscriptionStatus mimics the upstream subscription check so the web app
// renders a paid session without reaching upstream.
func (h *Handlers) SubscriptionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts": gin.H{
			"default": gin.H{
				"account": gin.H{
					"plan_type":           "plus",
					"structure":           "personal",
					"has_active_payment":  true,
					"subscription_active": true,
				},
				"entitlement": gin.H{
					"has_active_subscription": true,
					"subscription_plan":       "chatgptplusplan",
					"expires_at":              time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
				},
			},
		},
	})
}

// ModelList serves a static model roster.
func (h *Handlers) ModelList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": []gin.H{
			{"slug": "auto", "title": "Auto", "description": "Picks the best model", "max_tokens": 128000},
			{"slug": "gpt-4o", "title": "GPT-4o", "description": "Flagship model", "max_tokens": 128000},
			{"slug": "o4-mini", "title": "o4-mini", "description": "Fast reasoning", "max_tokens": 128000},
		},
	})
}

// Robots forbids crawling.
func (h *Handlers) Robots(c *gin.Context) {
	c.String(http.StatusOK, "User-agent: *\nDisallow: /\n")
}

// ChatRequirements answers the upstream proof-of-work probe with a
// nothing-required response.
func (h *Handlers) ChatRequirements(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"persona": "chatgpt-paid",
		"token":   xid.New().String(),
		"proofofwork": gin.H{
			"required": false,
		},
	})
}
