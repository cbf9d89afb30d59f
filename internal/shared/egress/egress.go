// Package egress dials upstream hosts through an account's egress proxy so
// each account's traffic stays attributable and rate-isolable.
package egress

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/convoyproxy/convoy/internal/shared/apperr"
)

const dialTimeout = 30 * time.Second

// Dial opens a raw TCP connection to addr (host:port) through the egress
// proxy at proxyURL. An empty proxyURL dials directly. Supported schemes:
// http (CONNECT), socks5.
func Dial(ctx context.Context, proxyURL, addr string) (net.Conn, error) {
	if proxyURL == "" {
		var d net.Dialer
		d.Timeout = dialTimeout
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "direct dial failed", err)
		}
		return conn, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "bad egress proxy url", err)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: dialTimeout})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "socks5 dialer setup failed", err)
		}
		conn, err := dialer.(xproxy.ContextDialer).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "socks5 dial failed", err)
		}
		return conn, nil

	case "http", "https", "":
		return dialViaConnect(ctx, u, addr)

	default:
		return nil, apperr.New(apperr.KindUpstream, "unsupported egress proxy scheme "+u.Scheme)
	}
}

// dialViaConnect tunnels through an HTTP proxy with a CONNECT request.
func dialViaConnect(ctx context.Context, proxy *url.URL, addr string) (net.Conn, error) {
	var d net.Dialer
	d.Timeout = dialTimeout
	conn, err := d.DialContext(ctx, "tcp", proxy.Host)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "egress proxy unreachable", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if proxy.User != nil {
		pw, _ := proxy.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(proxy.User.Username() + ":" + pw))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.KindUpstream, "egress CONNECT write failed", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.KindUpstream, "egress CONNECT read failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, apperr.New(apperr.KindUpstream,
			fmt.Sprintf("egress CONNECT refused: %s", resp.Status))
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Transport builds an http.Transport routing through the egress proxy.
func Transport(proxyURL string) (*http.Transport, error) {
	t := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "bad egress proxy url", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return Dial(ctx, proxyURL, addr)
		}
	default:
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}
