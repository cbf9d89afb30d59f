// Package proxy is the public HTTP surface that forwards, transforms and
// authorizes traffic between end users and the upstream application.
package proxy

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/infrastructure/resilience"
	"github.com/convoyproxy/convoy/internal/shared/egress"
)

const (
	// AccountHeader selects the account explicitly, overriding the cookie.
	AccountHeader = "X-Convoy-Account"
	// AccountCookie remembers the selected account.
	AccountCookie = "convoy_account"
	// TokenCookie carries the caller's opaque access token.
	TokenCookie = "access_token"
	// SelectionPath is where callers without an account selection are sent.
	SelectionPath = "/accounts"
)

// hop-by-hop and security headers never forwarded verbatim.
var strippedResponseHeaders = []string{
	"Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection",
	"Content-Security-Policy", "Strict-Transport-Security", "Set-Cookie",
}

// Proxy forwards non-conversation traffic to the resolved upstream host with
// the account's credentials substituted for any caller-supplied ones.
type Proxy struct {
	upstream config.UpstreamConfig
	resolver *Resolver
	rewriter *Rewriter
	cache    *Cache
	accounts *account.Manager
	store    *access.Store
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	mu           sync.Mutex
	clients      map[string]*http.Client
	assetClients map[string]*retryablehttp.Client
	breakers     map[string]*resilience.Breaker
}

// New creates the forwarding proxy.
func New(upstream config.UpstreamConfig, publicOrigin string, accounts *account.Manager, store *access.Store, logger *logging.Logger, metrics *monitoring.Metrics) *Proxy {
	return &Proxy{
		upstream:     upstream,
		resolver:     NewResolver(upstream),
		rewriter:     NewRewriter(upstream, publicOrigin, store, logger),
		cache:        NewCache(),
		accounts:     accounts,
		store:        store,
		logger:       logger,
		metrics:      metrics,
		clients:      make(map[string]*http.Client),
		assetClients: make(map[string]*retryablehttp.Client),
		breakers:     make(map[string]*resilience.Breaker),
	}
}

// Rewriter exposes the body rewriter for handlers that reuse it.
func (p *Proxy) Rewriter() *Rewriter { return p.rewriter }

// SelectAccount resolves the account for a request from the explicit header
// or the selection cookie.
func (p *Proxy) SelectAccount(c *gin.Context) (*account.Account, bool) {
	name := c.GetHeader(AccountHeader)
	if name == "" {
		name, _ = c.Cookie(AccountCookie)
	}
	if name == "" {
		return nil, false
	}
	return p.accounts.Get(name)
}

// client returns the per-account upstream HTTP client, building it lazily
// over the account's egress proxy.
func (p *Proxy) client(acc *account.Account) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cl, ok := p.clients[acc.Name]; ok {
		return cl, nil
	}
	transport, err := egress.Transport(acc.ProxyURL)
	if err != nil {
		return nil, err
	}
	cl := &http.Client{
		Transport: transport,
		// Redirects are surfaced to the caller, not chased.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p.clients[acc.Name] = cl
	return cl, nil
}

// assetClient returns the retrying client used only for idempotent
// static-asset GETs, where replays are safe.
func (p *Proxy) assetClient(acc *account.Account) (*retryablehttp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cl, ok := p.assetClients[acc.Name]; ok {
		return cl, nil
	}
	transport, err := egress.Transport(acc.ProxyURL)
	if err != nil {
		return nil, err
	}
	cl := retryablehttp.NewClient()
	cl.HTTPClient = &http.Client{Transport: transport, Timeout: 60 * time.Second}
	cl.RetryMax = 2
	cl.Logger = nil
	p.assetClients[acc.Name] = cl
	return cl, nil
}

// Forward proxies one request to the resolved upstream host.
func (p *Proxy) Forward(c *gin.Context) {
	acc, ok := p.SelectAccount(c)
	if !ok {
		c.Redirect(http.StatusFound, SelectionPath)
		return
	}

	path := c.Request.URL.Path
	host := p.resolver.Resolve(path)
	token, _ := c.Cookie(TokenCookie)

	// Direct per-resource fetches are checked even though listings are
	// filtered; the id may have leaked out of band.
	if id, resource, ok := resourceFromPath(path); ok {
		if !p.store.CheckAccess(c.Request.Context(), id, token, resource) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no access to this resource"})
			return
		}
	}

	if entry, ok := p.CachedResponse(c, host, path); ok {
		p.writeCached(c, entry)
		return
	}

	resp, err := p.doUpstream(c, acc, host)
	if err != nil {
		p.logger.Warn("upstream request failed",
			zap.String("host", host), zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unreachable"})
		return
	}
	defer resp.Body.Close()

	if p.metrics != nil {
		p.metrics.RecordUpstream(host, strconv.Itoa(resp.StatusCode))
	}

	if isStreaming(path, resp) {
		p.pipe(c, resp)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream read failed"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if IsTextual(contentType, body) {
		// Re-sent as identity regardless of the upstream encoding.
		decoded, _, derr := Decode(resp.Header.Get("Content-Encoding"), body)
		if derr != nil {
			p.logger.Warn("body decode failed, passing through", zap.Error(derr))
		} else {
			body = p.rewriter.RewriteBody(decoded, acc)
			if kind := ListingFor(path); kind != ListingNone && strings.Contains(contentType, "json") {
				body = p.rewriter.FilterListing(c.Request.Context(), kind, body, token)
			}
		}
	}

	header := writeHeaders(c, resp)
	c.Status(resp.StatusCode)
	c.Writer.Write(body)

	if resp.StatusCode == http.StatusOK && Cacheable(c.Request.Method, path) {
		p.cache.Put(c.Request.Method, host, path, resp.StatusCode, header, body)
	}
}

// doUpstream builds and executes the upstream request with the account's
// credentials substituted for the caller's.
func (p *Proxy) doUpstream(c *gin.Context, acc *account.Account, host string) (*http.Response, error) {
	upstreamURL := "https://" + host + c.Request.URL.RequestURI()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req, c.Request)
	req.Host = host

	// The caller's credentials never reach upstream.
	req.Header.Del("Cookie")
	if acc.Cookie != "" {
		req.Header.Set("Cookie", acc.Cookie)
	}
	if acc.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	}

	var resp *http.Response
	doErr := p.breaker(host).Do(func() error {
		if Cacheable(c.Request.Method, c.Request.URL.Path) {
			cl, err := p.assetClient(acc)
			if err != nil {
				return err
			}
			rreq, err := retryablehttp.FromRequest(req)
			if err != nil {
				return err
			}
			resp, err = cl.Do(rreq)
			return err
		}

		cl, err := p.client(acc)
		if err != nil {
			return err
		}
		resp, err = cl.Do(req)
		return err
	})
	if doErr != nil {
		return nil, doErr
	}
	return resp, nil
}

// breaker returns the per-host circuit breaker, so one dead upstream host
// fails fast without stalling every caller behind connect timeouts.
func (p *Proxy) breaker(host string) *resilience.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.breakers[host]; ok {
		return b
	}
	b := resilience.New(host, resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			p.logger.Warn("upstream breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	p.breakers[host] = b
	return b
}

func (p *Proxy) CachedResponse(c *gin.Context, host, path string) (*CachedResponse, bool) {
	if !Cacheable(c.Request.Method, path) {
		return nil, false
	}
	entry, ok := p.cache.Get(c.Request.Method, host, path)
	if p.metrics != nil {
		if ok {
			p.metrics.CacheHits.Inc()
		} else {
			p.metrics.CacheMisses.Inc()
		}
	}
	return entry, ok
}

func (p *Proxy) writeCached(c *gin.Context, entry *CachedResponse) {
	for k, vals := range entry.Header {
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(entry.Status)
	c.Writer.Write(entry.Body)
}

// pipe streams the upstream body to the caller unbuffered; bodies on
// streaming paths are never rewritten.
func (p *Proxy) pipe(c *gin.Context, resp *http.Response) {
	writeHeaders(c, resp)
	c.Status(resp.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("stream pipe ended", zap.Error(err))
			}
			return
		}
	}
}

// isStreaming reports whether the response must be piped rather than buffered.
func isStreaming(path string, resp *http.Response) bool {
	if strings.Contains(path, "/stream") {
		return true
	}
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// writeHeaders copies sanitized response headers to the caller and returns
// what was written, for caching.
func writeHeaders(c *gin.Context, resp *http.Response) http.Header {
	out := c.Writer.Header()
	for k, vals := range resp.Header {
		skip := false
		for _, s := range strippedResponseHeaders {
			if strings.EqualFold(k, s) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

// copyRequestHeaders clones caller headers onto the upstream request, minus
// hop-by-hop ones.
func copyRequestHeaders(dst *http.Request, src *http.Request) {
	for k, vals := range src.Header {
		switch strings.ToLower(k) {
		case "host", "connection", "upgrade", "proxy-authorization", "accept-encoding":
		default:
			for _, v := range vals {
				dst.Header.Add(k, v)
			}
		}
	}
	// Ask for encodings we can decode.
	dst.Header.Set("Accept-Encoding", "gzip, zstd")
}

var (
	conversationPathRe = regexp.MustCompile(`^/backend-(?:api|alt)/conversation/([^/]+)`)
	gizmoPathRe        = regexp.MustCompile(`^/backend-api/gizmos/(g-[^/]+)`)
)

// resourceFromPath extracts the isolated resource id a path addresses, if any.
func resourceFromPath(path string) (string, access.ResourceType, bool) {
	if m := conversationPathRe.FindStringSubmatch(path); m != nil {
		return m[1], access.ResourceConversation, true
	}
	if m := gizmoPathRe.FindStringSubmatch(path); m != nil {
		return m[1], access.ResourceGizmo, true
	}
	return "", "", false
}
