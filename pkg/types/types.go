// Package types holds the data model shared across mediaproxy's packages.
package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// AdmissionMode selects how origins are authorized to be fetched from.
type AdmissionMode string

const (
	AdmissionOpen       AdmissionMode = "open"
	AdmissionList       AdmissionMode = "list"
	AdmissionRegistered AdmissionMode = "registered"
)

// AdmissionResult is the outcome of an origin admission decision.
type AdmissionResult struct {
	Allowed bool
	Reason  string // human-readable reason, logged and used as a metrics label
	Matched string // the pattern or registry entry that decided the outcome, if any
}

// CacheFingerprint identifies a cache entry by its normalized host and path,
// the same pair a second request for the same resource will derive.
type CacheFingerprint struct {
	Host          string
	Path          string // normalized, always leading "/"
	NormalizedURL string // absolute origin URL the entry was fetched from
	Hash          string // xxhash64 of NormalizedURL, hex-encoded; used as an ETag fallback, not as the key
}

// Key returns the storage key this fingerprint maps to: host plus path, with
// no separator beyond the path's own leading slash.
func (f CacheFingerprint) Key() string {
	return f.Host + f.Path
}

// CacheObjectMeta is the metadata stored alongside a cached object's bytes.
type CacheObjectMeta struct {
	ContentType   string            `json:"content_type"`
	ContentLength int64             `json:"content_length"`
	ETag          string            `json:"etag,omitempty"`
	LastModified  string            `json:"last_modified,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	FetchedAt     time.Time         `json:"fetched_at"`
	OriginURL     string            `json:"origin_url"`
}

// RangeInterval is an inclusive [Start, End] byte range, resolved against a
// known object size (never open-ended after resolution).
type RangeInterval struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the interval spans.
func (r RangeInterval) Length() int64 {
	return r.End - r.Start + 1
}

// DomainRecord describes a registered origin in "registered" admission mode.
type DomainRecord struct {
	Host      string    `json:"host"`
	TenantID  string    `json:"tenant_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantStatus reports a tenant's current standing, consulted before
// admitting a request for billing/abuse purposes.
type TenantStatus struct {
	TenantID  string `json:"tenant_id"`
	Suspended bool   `json:"suspended"`
}

// UsageCounters accumulates per-tenant usage between flushes. All fields are
// additive and reset to zero only after a flush has been durably committed.
type UsageCounters struct {
	RequestCount  int64
	BytesServed   int64
	CacheHits     int64
	CacheMisses   int64
	OriginErrors  int64
}

// Add accumulates delta into the receiver. Callers must hold the owning
// shard's lock.
func (u *UsageCounters) Add(delta UsageCounters) {
	u.RequestCount += delta.RequestCount
	u.BytesServed += delta.BytesServed
	u.CacheHits += delta.CacheHits
	u.CacheMisses += delta.CacheMisses
	u.OriginErrors += delta.OriginErrors
}

// Sub subtracts delta from the receiver, used after a flush has been
// durably committed to remove only what was actually committed.
func (u *UsageCounters) Sub(delta UsageCounters) {
	u.RequestCount -= delta.RequestCount
	u.BytesServed -= delta.BytesServed
	u.CacheHits -= delta.CacheHits
	u.CacheMisses -= delta.CacheMisses
	u.OriginErrors -= delta.OriginErrors
}

// IsZero reports whether every counter is zero.
func (u UsageCounters) IsZero() bool {
	return u.RequestCount == 0 && u.BytesServed == 0 && u.CacheHits == 0 &&
		u.CacheMisses == 0 && u.OriginErrors == 0
}

// UsageSnapshot is a point-in-time, tenant-scoped usage snapshot queued for
// a billing store flush.
type UsageSnapshot struct {
	TenantID  string
	Window    time.Time // hour the snapshot rolls up into, truncated
	Counters  UsageCounters
}

// Duration wraps time.Duration with extended YAML parsing support for days
// and weeks, so config values like "7d" or "2w" read naturally for TTLs.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for extended duration formats.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	if dur, err := time.ParseDuration(s); err == nil {
		*d = Duration(dur)
		return nil
	}

	dur, err := parseExtendedDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts types.Duration to time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer for Duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

var extendedDurationPattern = regexp.MustCompile(`^(-?)(\d+(?:\.\d+)?)(d|w)$`)

// parseExtendedDuration parses duration strings with extended suffixes: d
// (days), w (weeks). Examples: "30d", "2w", "1.5d".
func parseExtendedDuration(s string) (time.Duration, error) {
	matches := extendedDurationPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid format, expected a Go duration or a value like '30d' or '2w'")
	}

	value, err := strconv.ParseFloat(matches[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %w", err)
	}
	if matches[1] == "-" {
		value = -value
	}

	switch matches[3] {
	case "d":
		return time.Duration(value * float64(24*time.Hour)), nil
	case "w":
		return time.Duration(value * float64(7*24*time.Hour)), nil
	default:
		return 0, fmt.Errorf("unsupported suffix %q", matches[3])
	}
}
