// Package admission decides whether a request is allowed to reach a given
// origin host, per one of three modes: open (everything allowed except an
// explicit blocklist), list (only an explicit allowlist), or registered
// (only hosts present in a backing registry).
package admission

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/edgecomet/engine/pkg/pattern"
	"github.com/edgecomet/engine/pkg/types"
)

// Registry looks up whether a host is a known, enabled origin. It is
// satisfied by internal/registry's Redis-backed client and by test doubles.
type Registry interface {
	Lookup(host string) (types.DomainRecord, bool, error)
}

// Admitter evaluates admission decisions for incoming requests.
type Admitter struct {
	mode      types.AdmissionMode
	allowlist []string
	blocklist []string
	registry  Registry

	mu       sync.RWMutex
	cache    map[uint64]bool            // memoizes host-vs-pattern-list match results, keyed by patternCacheKey
	regexps  map[string]*pattern.Pattern // compiled "~"/"~*" entries, keyed by the raw pattern string
}

// Config configures an Admitter. Allowlist is consulted in "list" mode,
// Blocklist is consulted in every mode (a literal "*" entry blocks all
// origins regardless of mode — the kill switch).
type Config struct {
	Mode      types.AdmissionMode
	Allowlist []string
	Blocklist []string
	Registry  Registry
}

// New constructs an Admitter from cfg. "~"/"~*"-prefixed entries in either
// list are compiled once here via pkg/pattern rather than re-parsed on every
// request; an entry that fails to compile as a regexp never matches (so in
// the allowlist it admits nothing and in the blocklist it blocks nothing)
// instead of panicking the whole admitter.
func New(cfg Config) *Admitter {
	a := &Admitter{
		mode:      cfg.Mode,
		allowlist: cfg.Allowlist,
		blocklist: cfg.Blocklist,
		registry:  cfg.Registry,
		cache:     make(map[uint64]bool),
		regexps:   make(map[string]*pattern.Pattern),
	}
	for _, p := range append(append([]string{}, cfg.Allowlist...), cfg.Blocklist...) {
		if !strings.HasPrefix(p, "~") {
			continue
		}
		if compiled, err := pattern.Compile(p); err == nil {
			a.regexps[p] = compiled
		}
	}
	return a
}

// Check decides whether host may be fetched from. The blocklist kill-switch
// and explicit blocklist entries are evaluated first and always win, even in
// "open" mode.
func (a *Admitter) Check(host string) types.AdmissionResult {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if pattern, blocked := a.matchAny(a.blocklist, host); blocked {
		return types.AdmissionResult{Allowed: false, Reason: "blocked origin", Matched: pattern}
	}

	switch a.mode {
	case types.AdmissionOpen:
		return types.AdmissionResult{Allowed: true, Reason: "open admission"}

	case types.AdmissionList:
		if pattern, ok := a.matchAny(a.allowlist, host); ok {
			return types.AdmissionResult{Allowed: true, Reason: "allowlisted", Matched: pattern}
		}
		return types.AdmissionResult{Allowed: false, Reason: "not in allowlist"}

	case types.AdmissionRegistered:
		if a.registry == nil {
			return types.AdmissionResult{Allowed: false, Reason: "registry unavailable"}
		}
		rec, found, err := a.registry.Lookup(host)
		if err != nil {
			return types.AdmissionResult{Allowed: false, Reason: "registry lookup failed: " + err.Error()}
		}
		if !found || !rec.Enabled {
			return types.AdmissionResult{Allowed: false, Reason: "not registered"}
		}
		return types.AdmissionResult{Allowed: true, Reason: "registered", Matched: rec.Host}

	default:
		return types.AdmissionResult{Allowed: false, Reason: "unknown admission mode"}
	}
}

// matchAny returns the first pattern in patterns that matches host, and
// whether any did. A literal "*" entry matches unconditionally. Results are
// memoized per (host, pattern-list) pair since the same handful of patterns
// is re-evaluated against a small set of hot hosts on every request.
func (a *Admitter) matchAny(patterns []string, host string) (string, bool) {
	if len(patterns) == 0 {
		return "", false
	}

	cacheKey := patternCacheKey(host, patterns)

	a.mu.RLock()
	hit, known := a.cache[cacheKey]
	a.mu.RUnlock()
	if known && !hit {
		return "", false
	}

	for _, p := range patterns {
		if p == "*" || a.matchPattern(host, p) {
			a.mu.Lock()
			a.cache[cacheKey] = true
			a.mu.Unlock()
			return p, true
		}
	}

	a.mu.Lock()
	a.cache[cacheKey] = false
	a.mu.Unlock()
	return "", false
}

// matchPattern reports whether host matches pattern. A "~"/"~*"-prefixed
// pattern is a regexp, delegated to the pre-compiled pkg/pattern.Pattern;
// every other pattern goes through matchHost.
func (a *Admitter) matchPattern(host, p string) bool {
	if strings.HasPrefix(p, "~") {
		return a.regexps[p].Match(host)
	}
	return matchHost(host, p)
}

// matchHost reports whether host matches pattern, where pattern is either an
// exact hostname or a "*.parent" wildcard. A "*.parent" pattern matches any
// proper subdomain of parent but never parent itself.
func matchHost(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if !strings.HasPrefix(pattern, "*.") {
		return host == pattern
	}

	parent := pattern[2:]
	if parent == "" {
		return false
	}
	if host == parent {
		return false
	}
	return strings.HasSuffix(host, "."+parent)
}

// patternCacheKey is used only to keep a bounded memoization key space when
// an Admitter is reused across many distinct hosts with a large pattern
// list; the xxhash keeps the cache key cheap to compute and compare.
func patternCacheKey(host string, patterns []string) uint64 {
	h := xxhash.New()
	h.WriteString(host) //nolint:errcheck // hash.Hash.Write never errors
	h.WriteString("|")  //nolint:errcheck
	for _, p := range patterns {
		h.WriteString(p) //nolint:errcheck
		h.WriteString(",") //nolint:errcheck
	}
	return h.Sum64()
}
