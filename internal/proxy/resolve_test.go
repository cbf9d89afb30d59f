package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
)

func testUpstream() config.UpstreamConfig {
	return config.UpstreamConfig{
		MainHost:    "chatgpt.com",
		APIHost:     "ab.chatgpt.com",
		CDNHost:     "cdn.oaistatic.com",
		SandboxHost: "web-sandbox.oaiusercontent.com",
	}
}

func TestResolve(t *testing.T) {
	r := NewResolver(testUpstream())

	tests := []struct {
		path string
		host string
	}{
		{"/backend-api/conversation", "chatgpt.com"},
		{"/backend-api/me", "chatgpt.com"},
		{"/", "chatgpt.com"},
		{"/assets/app.js", "cdn.oaistatic.com"},
		{"/fonts/soehne.woff2", "cdn.oaistatic.com"},
		{"/build/main.css", "cdn.oaistatic.com"},
		{"/favicon.ico", "cdn.oaistatic.com"},
		{"/v1/initialize", "ab.chatgpt.com"},
		{"/v42/rgstr", "ab.chatgpt.com"},
		{"/sandbox/outputs/abc", "web-sandbox.oaiusercontent.com"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.host, r.Resolve(tt.path))
		})
	}
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{"GET", "/assets/app.js", true},
		{"GET", "/icon.png", true},
		{"POST", "/assets/app.js", false},
		{"GET", "/backend-api/conversation", false},
		{"GET", "/backend-api/conversations", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Cacheable(tt.method, tt.path), "%s %s", tt.method, tt.path)
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path     string
		id       string
		resource access.ResourceType
		ok       bool
	}{
		{"/backend-api/conversation/conv-1", "conv-1", access.ResourceConversation, true},
		{"/backend-alt/conversation/conv-1", "conv-1", access.ResourceConversation, true},
		{"/backend-api/conversation/conv-1/messages", "conv-1", access.ResourceConversation, true},
		{"/backend-api/gizmos/g-abc", "g-abc", access.ResourceGizmo, true},
		{"/backend-api/conversation", "", "", false},
		{"/backend-api/conversations", "", "", false},
		{"/backend-api/gizmos/bootstrap", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, resource, ok := resourceFromPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.id, id)
				assert.Equal(t, tt.resource, resource)
			}
		})
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache()

	_, ok := c.Get("GET", "cdn.oaistatic.com", "/assets/app.js")
	assert.False(t, ok)

	c.Put("GET", "cdn.oaistatic.com", "/assets/app.js", 200, nil, []byte("body"))

	entry, ok := c.Get("GET", "cdn.oaistatic.com", "/assets/app.js")
	assert.True(t, ok)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, []byte("body"), entry.Body)

	// Keys include the host, so the same path on another host misses.
	_, ok = c.Get("GET", "chatgpt.com", "/assets/app.js")
	assert.False(t, ok)
}
