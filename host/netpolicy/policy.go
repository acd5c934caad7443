// Package netpolicy implements the outbound-domain allow list applied to
// scripting peers. The policy only answers allow/deny questions; callers own
// the enforcement point.
package netpolicy

import (
	"strings"
	"sync"
)

// Enforcement modes.
const (
	ModeAllowList = "allow-list"
	ModeAuto      = "auto"
	ModeDisabled  = "disabled"
)

// Config is the policy section of the app configuration.
type Config struct {
	Mode           string   `json:"mode"`
	AllowedDomains []string `json:"allowedDomains"`
}

// Policy answers whether a host (with optional port) may be reached.
// Enforcement is active in allow-list mode, or in auto mode when the app
// runs packaged. Loopback destinations pass regardless.
type Policy struct {
	mode   string
	active bool

	mu     sync.RWMutex
	exact  map[string]bool
	suffix map[string]bool // wildcard rules, stored with the leading dot
}

// New builds a policy from configuration. packaged reports whether the app
// runs from a resolved (packaged) configuration.
func New(cfg Config, packaged bool) *Policy {
	p := &Policy{
		mode:   cfg.Mode,
		active: cfg.Mode == ModeAllowList || (cfg.Mode == ModeAuto && packaged),
		exact:  make(map[string]bool),
		suffix: make(map[string]bool),
	}
	p.mergeLocked(cfg.AllowedDomains)
	return p
}

// Merge adds plugin-declared domains to the allow list. Merging is additive;
// rules are never removed for the life of the policy.
func (p *Policy) Merge(domains []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mergeLocked(domains)
}

func (p *Policy) mergeLocked(domains []string) {
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if strings.HasPrefix(domain, "*.") {
			p.suffix[domain[1:]] = true
			continue
		}
		p.exact[domain] = true
	}
}

// Active reports whether the policy enforces anything.
func (p *Policy) Active() bool {
	return p.active
}

// Allowed reports whether the destination may be reached. Matching is
// case-insensitive: exact match on the full string, then exact match with a
// trailing :port stripped, then suffix match against wildcard rules.
func (p *Policy) Allowed(hostport string) bool {
	host := strings.ToLower(strings.TrimSpace(hostport))
	stripped := stripPort(host)

	if isLoopback(stripped) {
		return true
	}
	if !p.active {
		return true
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.exact[host] || p.exact[stripped] {
		return true
	}
	// TODO(tom): decide whether a wildcard should also admit its bare apex;
	// today *.example.com does not allow example.com itself, which keeps
	// surprising plugin authors.
	for suffix := range p.suffix {
		if strings.HasSuffix(stripped, suffix) {
			return true
		}
	}
	return false
}

// Snapshot is the policy summary for the operator status view.
type Snapshot struct {
	Mode        string `json:"mode"`
	Active      bool   `json:"active"`
	ExactRules  int    `json:"exactRules"`
	SuffixRules int    `json:"suffixRules"`
}

// State returns a point-in-time summary.
func (p *Policy) State() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Mode:        p.mode,
		Active:      p.active,
		ExactRules:  len(p.exact),
		SuffixRules: len(p.suffix),
	}
}

// stripPort removes a trailing :port. A bracketed IPv6 host reduces to the
// address between the brackets; a bare IPv6 address (more than one colon) is
// returned unchanged.
func stripPort(hostport string) string {
	if strings.HasPrefix(hostport, "[") {
		if i := strings.Index(hostport, "]"); i >= 0 {
			return hostport[1:i]
		}
		return hostport
	}
	if strings.Count(hostport, ":") == 1 {
		if i := strings.LastIndex(hostport, ":"); i >= 0 {
			return hostport[:i]
		}
	}
	return hostport
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
