package proxy

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
)

// redactedPlaceholder replaces titles of listings the caller may not see when
// redaction is preferred over dropping.
const redactedPlaceholder = "[restricted]"

// Rewriter transforms textual upstream response bodies: upstream domains
// become the proxy's public origin, raw account credentials are scrubbed, and
// resource listings are filtered down to what the caller's token may see.
type Rewriter struct {
	upstream     config.UpstreamConfig
	publicOrigin string
	publicHost   string
	store        *access.Store
	logger       *logging.Logger
	redact       bool
}

// NewRewriter creates a rewriter targeting the given public origin.
func NewRewriter(upstream config.UpstreamConfig, publicOrigin string, store *access.Store, logger *logging.Logger) *Rewriter {
	host := publicOrigin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return &Rewriter{
		upstream:     upstream,
		publicOrigin: publicOrigin,
		publicHost:   host,
		store:        store,
		logger:       logger,
		redact:       upstream.RedactListings,
	}
}

// IsTextual reports whether a response body should be rewritten rather than
// passed through untouched.
func IsTextual(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"),
		strings.Contains(ct, "text/"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "xml"):
		return true
	case ct == "" || strings.Contains(ct, "octet-stream"):
		// No usable declared type; sniff.
		mt := mimetype.Detect(body)
		return strings.HasPrefix(mt.String(), "text/") || mt.Is("application/json")
	default:
		return false
	}
}

// Decode decompresses a body according to Content-Encoding so textual
// rewriting can see plaintext. Unknown encodings pass through unchanged.
func Decode(encoding string, body []byte) ([]byte, bool, error) {
	switch strings.ToLower(encoding) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, err
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		return out, true, err
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, err
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		return out, true, err
	default:
		return body, false, nil
	}
}

// RewriteBody applies domain rewriting and credential scrubbing for one
// account's response body.
func (rw *Rewriter) RewriteBody(body []byte, acc *account.Account) []byte {
	s := string(body)

	for _, host := range []string{rw.upstream.MainHost, rw.upstream.APIHost, rw.upstream.CDNHost, rw.upstream.SandboxHost} {
		if host == "" || host == rw.publicHost {
			continue
		}
		s = strings.ReplaceAll(s, "https://"+host, rw.publicOrigin)
		s = strings.ReplaceAll(s, host, rw.publicHost)
	}

	if acc != nil {
		if acc.AccessToken != "" {
			s = strings.ReplaceAll(s, acc.AccessToken, "")
		}
		if acc.Cookie != "" {
			s = strings.ReplaceAll(s, acc.Cookie, "")
		}
	}
	return []byte(s)
}

// ListingKind identifies which resource-listing shape a path returns.
type ListingKind int

const (
	ListingNone ListingKind = iota
	ListingConversations
	ListingGizmos
)

// ListingFor classifies a request path.
func ListingFor(path string) ListingKind {
	switch {
	case strings.HasSuffix(path, "/conversations"):
		return ListingConversations
	case strings.Contains(path, "/gizmos") && !strings.Contains(path, "/gizmos/"):
		return ListingGizmos
	default:
		return ListingNone
	}
}

// FilterListing removes (or redacts) entries of a resource-listing JSON body
// that the caller's token is not permitted to see. Malformed bodies are
// returned unmodified; failing open here is safe because every per-resource
// fetch is still checked individually.
func (rw *Rewriter) FilterListing(ctx context.Context, kind ListingKind, body []byte, token string) []byte {
	resource := access.ResourceConversation
	if kind == ListingGizmos {
		resource = access.ResourceGizmo
	}
	if rw.store.IsInternal(token) || rw.store.IsolationDisabled(resource) {
		return body
	}

	allowed, err := rw.store.ListAccessible(ctx, token, resource)
	if err != nil {
		rw.logger.Warn("listing filter: access lookup failed", zap.Error(err))
		return body
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	var doc map[string]interface{}
	if err := sonic.Unmarshal(body, &doc); err != nil {
		rw.logger.Warn("listing filter: unparseable body", zap.Error(err))
		return body
	}

	items, ok := doc["items"].([]interface{})
	if !ok {
		return body
	}

	kept := make([]interface{}, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if allowedSet[listingItemID(item)] {
			kept = append(kept, item)
			continue
		}
		if rw.redact {
			item["title"] = redactedPlaceholder
			kept = append(kept, item)
		}
	}
	doc["items"] = kept
	if _, has := doc["total"]; has {
		doc["total"] = len(kept)
	}

	out, err := sonic.Marshal(doc)
	if err != nil {
		rw.logger.Warn("listing filter: marshal failed", zap.Error(err))
		return body
	}
	return out
}

// listingItemID digs the resource id out of one listing entry. Gizmo listings
// nest the id under gizmo.id; conversation listings carry a flat id.
func listingItemID(item map[string]interface{}) string {
	if id, ok := item["id"].(string); ok && id != "" {
		return id
	}
	if g, ok := item["gizmo"].(map[string]interface{}); ok {
		if id, ok := g["id"].(string); ok {
			return id
		}
	}
	return ""
}
