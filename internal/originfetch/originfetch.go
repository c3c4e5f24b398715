// Package originfetch performs the outbound fetch to an admitted origin:
// it follows redirects while re-validating each hop, detects origin
// block/challenge responses, and strips sensitive headers before anything
// crosses the process boundary in either direction.
package originfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/admission"
	"github.com/edgecomet/engine/internal/fingerprint"
)

// MaxRedirects bounds the number of hops a single fetch will follow.
const MaxRedirects = 5

// ErrBlocked indicates the origin responded with what looks like a block or
// bot-challenge page rather than the requested media. Fetch always returns
// it wrapped in a *BlockedError carrying the specific reason code.
var ErrBlocked = errors.New("originfetch: origin returned a block/challenge response")

// BlockedError carries the specific block-detection reason alongside
// ErrBlocked, so callers can surface it as an advisory header without
// parsing Error() strings.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("originfetch: origin returned a block/challenge response: %s", e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// ErrRedirectNotAdmitted indicates a redirect hop pointed at a host that
// fails admission or SSRF validation.
var ErrRedirectNotAdmitted = errors.New("originfetch: redirect target not admitted")

// ErrTooManyRedirects indicates the redirect chain exceeded MaxRedirects.
var ErrTooManyRedirects = errors.New("originfetch: too many redirects")

// requestHeaderDenyList lists headers that are never forwarded from the
// client request to the origin.
var requestHeaderDenyList = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"proxy-authorization": true,
	"proxy-authenticate":  true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-forwarded-for":     true,
}

// responseHeaderDenyList lists headers that are never copied back from the
// origin response to the client or into cached metadata.
var responseHeaderDenyList = map[string]bool{
	"set-cookie":          true,
	"www-authenticate":    true,
	"proxy-authenticate":  true,
}

// Fetcher performs validated outbound fetches.
type Fetcher struct {
	client    *http.Client
	validator *fingerprint.Validator
	admitter  *admission.Admitter
	logger    *zap.Logger
}

// Option configures optional Fetcher behavior beyond New's defaults.
type Option func(*Fetcher)

// WithDialFunc overrides the transport's dialer. Production callers never
// need this; it exists so tests can route a validated, domain-looking
// hostname to an in-process httptest server without relaxing the fetch URL
// validator itself.
func WithDialFunc(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(f *Fetcher) {
		f.client.Transport.(*http.Transport).DialContext = dial
	}
}

// New constructs a Fetcher. admitter may be nil only in tests that don't
// exercise redirect re-validation.
func New(admitter *admission.Admitter, logger *zap.Logger, opts ...Option) *Fetcher {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	f := &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
					if err := dialControlGuard(ctx, network, address); err != nil {
						return nil, err
					}
					return dialer.DialContext(ctx, network, address)
				},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects are followed manually in Fetch, not by the
				// stdlib client, so each hop can be re-validated.
				return http.ErrUseLastResponse
			},
		},
		validator: fingerprint.NewValidator(),
		admitter:  admitter,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Result is a successful, validated origin response. Callers must close
// Body.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Fetch issues a GET (or, if rangeHeader is non-empty, a ranged GET) for
// normalizedURL, following and re-validating up to MaxRedirects hops.
func (f *Fetcher) Fetch(ctx context.Context, normalizedURL, rangeHeader string, requestHeaders http.Header) (*Result, error) {
	currentURL := normalizedURL

	for hop := 0; ; hop++ {
		if hop > MaxRedirects {
			return nil, ErrTooManyRedirects
		}

		validatedURL, err := f.validator.ValidateFetchURL(currentURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedirectNotAdmitted, err)
		}
		if f.admitter != nil {
			if res := f.admitter.Check(strings.ToLower(validatedURL.Hostname())); !res.Allowed {
				return nil, fmt.Errorf("%w: %s", ErrRedirectNotAdmitted, res.Reason)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, validatedURL.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("originfetch: building request: %w", err)
		}
		copyForwardableHeaders(req.Header, requestHeaders)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("originfetch: request failed: %w", err)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, fmt.Errorf("originfetch: redirect response missing Location header")
			}

			nextURL, err := resolveRedirect(currentURL, location)
			if err != nil {
				return nil, fmt.Errorf("originfetch: resolving redirect: %w", err)
			}

			currentURL = nextURL
			continue
		}

		if reason := classifyBlock(resp); reason != "" {
			resp.Body.Close()
			return nil, &BlockedError{Reason: reason}
		}

		stripResponseHeaders(resp.Header)
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// classifyBlock detects a WAF/bot-challenge response standing in for the
// real object, independent of HTTP status, and returns the specific reason
// code to surface as an advisory header. An empty string means the response
// isn't a detected block.
func classifyBlock(resp *http.Response) string {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("blocked, http_%d", resp.StatusCode)
	case http.StatusTooManyRequests:
		return "blocked, rate_limited"
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(ct)

	switch {
	case strings.HasPrefix(ct, "text/html"):
		if resp.ContentLength >= 0 && resp.ContentLength < 50000 {
			return "blocked, html_challenge_page"
		}
		return "html_instead_of_media"
	case strings.HasPrefix(ct, "text/"):
		return "text_instead_of_media"
	case ct == "application/json":
		return "json_instead_of_media"
	default:
		return ""
	}
}

func copyForwardableHeaders(dst, src http.Header) {
	for name, values := range src {
		if requestHeaderDenyList[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func stripResponseHeaders(h http.Header) {
	for name := range h {
		if responseHeaderDenyList[strings.ToLower(name)] {
			h.Del(name)
		}
	}
}

func resolveRedirect(base, location string) (string, error) {
	if strings.Contains(location, "://") {
		return location, nil
	}
	// relative redirect: resolve against base's scheme+host
	idx := strings.Index(base, "://")
	if idx < 0 {
		return "", fmt.Errorf("invalid base url %q", base)
	}
	schemeHostEnd := strings.Index(base[idx+3:], "/")
	var root string
	if schemeHostEnd < 0 {
		root = base
	} else {
		root = base[:idx+3+schemeHostEnd]
	}
	if strings.HasPrefix(location, "/") {
		return root + location, nil
	}
	return root + "/" + location, nil
}

// dialControlGuard rejects a dial address that is itself a private/reserved
// IP literal. It runs ahead of DNS resolution, so it is defense in depth
// alongside ValidateFetchURL's hostname check, not a substitute for resolving
// the name and checking the resulting address (true DNS-rebinding protection
// would require a custom Resolver, which this proxy does not have).
func dialControlGuard(_ context.Context, _ string, address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return fingerprint.ValidateResolvedIP(ip)
}
