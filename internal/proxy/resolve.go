package proxy

import (
	"regexp"
	"strings"

	"github.com/convoyproxy/convoy/internal/infrastructure/config"
)

var (
	assetPathRe    = regexp.MustCompile(`^/(assets|fonts|images|cdn)/|\.(js|css|map|woff2?|png|svg|ico|webp)$`)
	versionedAPIRe = regexp.MustCompile(`^/v\d+/`)
)

// Resolver picks the true upstream host for a request path from URL shape
// heuristics: asset paths go to the CDN, sandbox paths to the sandbox host,
// versioned API paths to the secondary API host, everything else to main.
type Resolver struct {
	upstream config.UpstreamConfig
}

// NewResolver creates a resolver over the configured upstream hosts.
func NewResolver(upstream config.UpstreamConfig) *Resolver {
	return &Resolver{upstream: upstream}
}

// Resolve returns the upstream host for a path.
func (r *Resolver) Resolve(path string) string {
	switch {
	case assetPathRe.MatchString(path):
		return r.upstream.CDNHost
	case strings.Contains(path, "sandbox"):
		return r.upstream.SandboxHost
	case versionedAPIRe.MatchString(path):
		return r.upstream.APIHost
	default:
		return r.upstream.MainHost
	}
}

// Cacheable reports whether a request may be served from the asset cache.
func Cacheable(method, path string) bool {
	return method == "GET" && assetPathRe.MatchString(path)
}
