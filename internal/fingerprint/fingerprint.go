// Package fingerprint parses the `/<host>/<path>` request surface into a
// cache fingerprint and validates every absolute URL the service is about to
// dial, guarding against SSRF by rejecting IP-literal, loopback, and
// internal-looking hosts.
package fingerprint

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/edgecomet/engine/internal/urlutil"
	"github.com/edgecomet/engine/pkg/types"
)

// ErrDomainNotAllowed is returned by ValidateFetchURL (and wrapped by
// ParseRequest's host check) when a host fails domain validity. Callers use
// errors.Is against this sentinel to distinguish a security rejection, which
// the pipeline answers with a redirect-to-origin, from a structurally
// malformed request, which it answers with 400.
var ErrDomainNotAllowed = errors.New("fingerprint: host is not an allowed fetch target")

// Result is the outcome of parsing a `/<host>/<path>` request.
type Result struct {
	Host          string
	Path          string // normalized, percent-re-encoded, leading "/"
	NormalizedURL string // https://<host><path>, the source URL to fetch
	Fingerprint   types.CacheFingerprint
}

// Validator parses `/<host>/<path>` style requests and checks absolute fetch
// URLs against the domain-validity predicate before the fetcher dials them.
type Validator struct{}

// NewValidator constructs a Validator. It carries no state; normalization is
// a pure function of its inputs.
func NewValidator() *Validator {
	return &Validator{}
}

// ParseRequest decodes rawPath (the incoming request's URL path, e.g.
// "/example.com/a/b.jpg"), splitting the first non-empty segment off as the
// host and normalizing the remainder into a path. A structurally malformed
// path (no host segment, or a normalized path that resolves to "/") returns
// a nil Result and a plain error — the caller should answer 400.
//
// A host that fails domain validity instead returns a non-nil Result
// alongside an error wrapping ErrDomainNotAllowed: the source URL the
// request would have fetched is still computed (and never dialed), since
// the caller's job for a security rejection is to redirect to that
// origin-as-written URL, not to report why it was refused.
func (v *Validator) ParseRequest(rawPath string) (*Result, error) {
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("invalid path encoding: %w", err)
	}

	segments := strings.Split(decoded, "/")
	var host string
	var rest []string
	for _, seg := range segments {
		if host == "" {
			if seg == "" {
				continue
			}
			host = strings.ToLower(seg)
			continue
		}
		rest = append(rest, seg)
	}
	if host == "" {
		return nil, fmt.Errorf("invalid request path: missing host segment")
	}

	path := normalizePath("/" + strings.Join(rest, "/"))
	if path == "" || path == "/" {
		return nil, fmt.Errorf("invalid request path: empty resource path")
	}

	normalized := "https://" + host + encodePath(path)
	fp := types.CacheFingerprint{
		Host:          host,
		Path:          path,
		NormalizedURL: normalized,
	}
	fp.Hash = Hash(normalized)

	result := &Result{
		Host:          host,
		Path:          path,
		NormalizedURL: normalized,
		Fingerprint:   fp,
	}

	if err := validateDomain(host); err != nil {
		return result, fmt.Errorf("%w: %s", ErrDomainNotAllowed, err)
	}
	return result, nil
}

// ValidateFetchURL is the Fetch URL validator (C1'): it is applied to every
// absolute URL the fetcher is about to dial, the initial source URL and
// every redirect hop alike. It rejects a scheme other than http/https, any
// URL userinfo, a port other than empty/80/443, and a host failing domain
// validity.
func (v *Validator) ValidateFetchURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrDomainNotAllowed, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: url userinfo is not allowed", ErrDomainNotAllowed)
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		return nil, fmt.Errorf("%w: port %q is not allowed", ErrDomainNotAllowed, port)
	}

	hostname := strings.ToLower(u.Hostname())
	if err := validateDomain(hostname); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, err)
	}

	return u, nil
}

// ValidateResolvedIP checks a DNS-resolved address against the private/
// reserved block list, guarding against DNS rebinding between validation and
// dial time.
func ValidateResolvedIP(ip net.IP) error {
	return urlutil.ValidateResolvedIP(ip)
}

var (
	exactBlockedHosts = map[string]bool{
		"localhost":             true,
		"localhost.localdomain": true,
		"broadcasthost":         true,
	}

	internalSuffixes = []string{
		".local", ".localhost", ".internal", ".lan", ".home", ".corp", ".private",
	}

	cloudMetadataExact = map[string]bool{
		"metadata.google.internal": true,
	}

	cloudMetadataSuffixes = []string{
		".compute.internal", ".ec2.internal",
	}

	cloudMetadataPrefixes = []string{
		"instance-data.", "metadata.",
	}

	ldhHostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*\.[a-zA-Z]{2,}$`)
)

// validateDomain implements the domain-validity predicate: a host passes
// only if it is non-empty, not an exact-blocked name, not an IP literal
// (IPv4 or IPv6, in any form), not matching an internal or cloud-metadata
// pattern, not prefixed 169.254., and matches the LDH hostname grammar with
// a two-or-more-letter alphabetic TLD.
func validateDomain(host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if exactBlockedHosts[host] {
		return fmt.Errorf("host %q is blocked", host)
	}
	if strings.Contains(host, ":") || strings.HasPrefix(host, "[") {
		return fmt.Errorf("host %q looks like an IPv6 literal", host)
	}
	if net.ParseIP(host) != nil {
		return fmt.Errorf("host %q is an IP literal", host)
	}
	if strings.HasPrefix(host, "169.254.") {
		return fmt.Errorf("host %q is in the link-local metadata range", host)
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("host %q matches internal suffix %q", host, suffix)
		}
	}
	if cloudMetadataExact[host] {
		return fmt.Errorf("host %q is a cloud metadata endpoint", host)
	}
	for _, suffix := range cloudMetadataSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("host %q matches cloud metadata suffix %q", host, suffix)
		}
	}
	for _, prefix := range cloudMetadataPrefixes {
		if strings.HasPrefix(host, prefix) {
			return fmt.Errorf("host %q matches cloud metadata prefix %q", host, prefix)
		}
	}
	if !ldhHostPattern.MatchString(host) {
		return fmt.Errorf("host %q is not a valid hostname", host)
	}
	return nil
}

// encodePath percent-re-encodes each path segment so the fetch URL is safe
// to hand to net/url without double-decoding what ParseRequest already
// resolved.
func encodePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Hash returns the xxhash64 of s, formatted as 16 lowercase hex characters.
// It is used only as a synthesized ETag when an origin response doesn't
// supply one; the cache key itself is host+path, not this hash.
func Hash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// normalizePath resolves "." and ".." segments and collapses duplicate
// slashes, the way a browser or CDN edge would before treating the path as a
// cache key component.
func normalizePath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	parts := strings.Split(path, "/")
	var resolved []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 && resolved[len(resolved)-1] != ".." {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if len(result) > 1 && strings.HasSuffix(path, "/") {
		result += "/"
	}
	return result
}
