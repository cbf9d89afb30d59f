package mitm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/proxy"
	"github.com/convoyproxy/convoy/internal/shared/egress"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Override is one pinned local file served instead of the upstream asset.
type Override struct {
	ContentType string
	Body        []byte
}

// Engine is the TLS CONNECT handler. Per connection it decides between
// local-certificate interception (to rewrite content), transparent piping to
// the internal control plane, and opaque tunneling through the account's
// egress proxy.
type Engine struct {
	cfg       config.MITMConfig
	ca        *CA
	accounts  *account.Manager
	patches   *PatchSet
	cache     *proxy.Cache
	overrides map[string]Override
	logger    *logging.Logger
	metrics   *monitoring.Metrics
}

// NewEngine creates the tunnel engine.
func NewEngine(cfg config.MITMConfig, ca *CA, accounts *account.Manager, patches *PatchSet, logger *logging.Logger, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		ca:        ca,
		accounts:  accounts,
		patches:   patches,
		cache:     proxy.NewCache(),
		overrides: make(map[string]Override),
		logger:    logger,
		metrics:   metrics,
	}
}

// SetOverride pins a local body for one intercepted path.
func (e *Engine) SetOverride(path, contentType string, body []byte) {
	e.overrides[path] = Override{ContentType: contentType, Body: body}
}

// Serve accepts proxy connections until the listener closes.
func (e *Engine) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		go e.handleConn(conn)
	}
}

// handleConn processes one client connection. Every error path closes only
// this connection; nothing here may take the process down.
func (e *Engine) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in tunnel connection", zap.Any("panic", r))
		}
		conn.Close()
	}()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		io.WriteString(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}

	host, _, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
	}
	acc := e.accountFor(req)

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		return
	}

	switch host {
	case e.cfg.RewriteHost:
		e.countTunnel("rewrite")
		e.interceptRewrite(conn, host, acc)
	case e.cfg.SignalHost:
		e.countTunnel("signal")
		e.interceptSignal(conn, host)
	default:
		e.countTunnel("raw")
		e.tunnelRaw(conn, req.Host, acc)
	}
}

func (e *Engine) countTunnel(mode string) {
	if e.metrics != nil {
		e.metrics.TunnelConnections.WithLabelValues(mode).Inc()
	}
}

// accountFor maps a proxy connection onto an account. Workers authenticate
// to the proxy with their account name as the basic-auth user; connections
// without one fall back to the first roster entry.
func (e *Engine) accountFor(req *http.Request) *account.Account {
	if auth := req.Header.Get("Proxy-Authorization"); strings.HasPrefix(auth, "Basic ") {
		if raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic ")); err == nil {
			name, _, _ := strings.Cut(string(raw), ":")
			if acc, ok := e.accounts.Get(name); ok {
				return acc
			}
		}
	}
	names := e.accounts.Names()
	if len(names) > 0 {
		if acc, ok := e.accounts.Get(names[0]); ok {
			return acc
		}
	}
	return &account.Account{}
}

// interceptRewrite terminates TLS locally for the rewrite domain, reads one
// plaintext request and serves it from the pinned overrides, the response
// cache, or upstream with the source patches applied.
func (e *Engine) interceptRewrite(conn net.Conn, host string, acc *account.Account) {
	tlsConn, ok := e.terminate(conn, host)
	if !ok {
		return
	}
	defer tlsConn.Close()

	req, err := http.ReadRequest(bufio.NewReader(tlsConn))
	if err != nil {
		return
	}
	path := req.URL.Path

	if override, ok := e.overrides[path]; ok {
		e.writeRaw(tlsConn, http.StatusOK, override.ContentType, override.Body)
		return
	}

	if entry, ok := e.cache.Get(req.Method, host, path); ok {
		e.writeRaw(tlsConn, entry.Status, entry.Header.Get("Content-Type"), entry.Body)
		return
	}

	body, resp, err := e.fetchUpstream(req, host, acc)
	if err != nil {
		e.logger.Warn("rewrite fetch failed",
			zap.String("host", host), zap.String("path", path), zap.Error(err))
		e.writeRaw(tlsConn, http.StatusBadGateway, "text/plain", []byte("upstream unreachable"))
		return
	}

	if resp.StatusCode == http.StatusOK {
		patched, applied := e.patches.Apply(path, body)
		e.logger.Debug("source patches applied",
			zap.String("path", path), zap.Int("count", applied))
		body = patched
		e.cache.Put(req.Method, host, path, resp.StatusCode, resp.Header, body)
	}
	e.writeRaw(tlsConn, resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

// fetchUpstream opens a fresh outbound TLS connection through the account's
// egress proxy and returns the decoded response body.
func (e *Engine) fetchUpstream(req *http.Request, host string, acc *account.Account) ([]byte, *http.Response, error) {
	transport, err := egress.Transport(acc.ProxyURL)
	if err != nil {
		return nil, nil, err
	}
	client := &http.Client{Transport: transport, Timeout: 60 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	out, err := buildOutbound(ctx, req, host)
	if err != nil {
		return nil, nil, err
	}

	resp, err := client.Do(out)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	decoded, _, err := proxy.Decode(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return raw, resp, nil
	}
	return decoded, resp, nil
}

// buildOutbound clones the intercepted request for the upstream origin,
// carrying the method, body and headers through.
func buildOutbound(ctx context.Context, req *http.Request, host string) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, "https://"+host+req.URL.RequestURI(), req.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	for k, vals := range req.Header {
		if strings.EqualFold(k, "Accept-Encoding") || strings.EqualFold(k, "Connection") {
			continue
		}
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set("Accept-Encoding", "gzip")
	return out, nil
}

// interceptSignal terminates TLS for the internal signaling domain and pipes
// the plaintext bytes to the control-plane endpoint without rewriting.
func (e *Engine) interceptSignal(conn net.Conn, host string) {
	tlsConn, ok := e.terminate(conn, host)
	if !ok {
		return
	}

	upstream, err := net.DialTimeout("tcp", e.cfg.ControlTarget, 10*time.Second)
	if err != nil {
		e.logger.Warn("control plane unreachable", zap.Error(err))
		tlsConn.Close()
		return
	}
	e.pipe(tlsConn, upstream)
}

// tunnelRaw skips TLS termination and pipes bytes opaquely through the
// account's egress proxy.
func (e *Engine) tunnelRaw(conn net.Conn, target string, acc *account.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	upstream, err := egress.Dial(ctx, acc.ProxyURL, target)
	cancel()
	if err != nil {
		e.logger.Warn("tunnel dial failed",
			zap.String("target", target), zap.String("account", acc.Name), zap.Error(err))
		return
	}
	e.pipe(conn, upstream)
}

// terminate runs the local TLS handshake with the leaf for host.
func (e *Engine) terminate(conn net.Conn, host string) (*tls.Conn, bool) {
	leaf, err := e.ca.Leaf(host)
	if err != nil {
		e.logger.Error("leaf mint failed", zap.String("host", host), zap.Error(err))
		return nil, false
	}
	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err := tlsConn.Handshake(); err != nil {
		e.logger.Debug("local TLS handshake failed", zap.String("host", host), zap.Error(err))
		tlsConn.Close()
		return nil, false
	}
	return tlsConn, true
}

// pipe copies bytes both ways until either leg closes. Errors on one leg only
// close the pair; they are logged, never propagated.
func (e *Engine) pipe(client, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyLeg := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		n, err := io.Copy(dst, src)
		if err != nil && !isClosedErr(err) {
			e.logger.Debug("tunnel leg ended",
				zap.String("direction", direction), zap.Error(err))
		}
		if e.metrics != nil {
			e.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
		}
		// Half-close so the peer sees EOF while the other leg drains.
		if tc, ok := dst.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}

	go copyLeg(upstream, client, "up")
	go copyLeg(client, upstream, "down")
	wg.Wait()
	client.Close()
	upstream.Close()
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// writeRaw writes a minimal HTTP/1.1 response over the intercepted stream.
func (e *Engine) writeRaw(w io.Writer, status int, contentType string, body []byte) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	if err := resp.Write(w); err != nil {
		e.logger.Debug("intercepted response write failed", zap.Error(err))
	}
}
