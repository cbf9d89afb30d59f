package mitm

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
)

// Rule is one ordered (pattern, replacement) source patch. Rules are data,
// not control flow: they can change without touching the tunneling logic.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// PatchSet applies an ordered list of regex patches to intercepted script
// bodies. The patterns are coupled to a specific third-party script's
// internal naming and can silently stop matching after an upstream update,
// so a pass that applies zero patches is reported loudly.
type PatchSet struct {
	rules  []Rule
	logger *logging.Logger
}

// NewPatchSet creates a patch set over the given rules.
func NewPatchSet(rules []Rule, logger *logging.Logger) *PatchSet {
	return &PatchSet{rules: rules, logger: logger}
}

// DefaultRules returns the instrumentation hook injection rules applied to
// the intercepted asset script.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "fetch-hook",
			Pattern:     regexp.MustCompile(`window\.fetch=([a-zA-Z_$][\w$]*)`),
			Replacement: `window.fetch=window.__convoyFetch($1)`,
		},
		{
			Name:        "stream-reader-hook",
			Pattern:     regexp.MustCompile(`\.getReader\(\)`),
			Replacement: `.getReader(window.__convoyTap&&window.__convoyTap())`,
		},
		{
			Name:        "ws-constructor-hook",
			Pattern:     regexp.MustCompile(`new WebSocket\(`),
			Replacement: `new (window.__convoyWS||WebSocket)(`,
		},
	}
}

// Apply runs every rule in order and returns the patched body with the number
// of rules that matched at least once.
func (p *PatchSet) Apply(url string, body []byte) ([]byte, int) {
	applied := 0
	for _, rule := range p.rules {
		if !rule.Pattern.Match(body) {
			continue
		}
		body = rule.Pattern.ReplaceAll(body, []byte(rule.Replacement))
		applied++
	}

	if applied == 0 && len(p.rules) > 0 {
		// An upstream script update likely broke every pattern; without the
		// hooks no worker traffic is observable, which must not pass silently.
		p.logger.Error("source patching applied zero rules",
			zap.String("url", url),
			zap.Int("rules", len(p.rules)),
		)
	}
	return body, applied
}
