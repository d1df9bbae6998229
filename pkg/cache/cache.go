// Package cache stores raw API response bodies between export runs.
//
// Exports are point-in-time snapshots, so caching is opt-in: the CLI defaults
// to [NullCache]. When enabled, repeated exports of large project trees skip
// pages they fetched recently. Backends:
//
//   - [FileCache]: one JSON file per entry under ~/.cache/osfexport/
//   - [RedisCache]: shared cache for the HTTP service
//   - [MongoCache]: shared cache with a TTL index
//   - [NullCache]: caching disabled
//
// Keys are built by a [Keyer]. Responses fetched with a credential must be
// scoped to that credential with [NewScopedKeyer] so that one user's private
// data is never served to another.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value store with per-entry expiry.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the stored bytes and true on a hit. Expired entries are
	// reported as misses.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Keyer builds cache keys.
type Keyer interface {
	// HTTPKey returns the key for a response body fetched from url.
	HTTPKey(namespace, url string) string
}

// DefaultKeyer builds unscoped keys of the form "http:<namespace>:<url>".
type DefaultKeyer struct{}

// NewDefaultKeyer returns a keyer without a scope prefix.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

// HTTPKey generates a key for HTTP response caching.
func (DefaultKeyer) HTTPKey(namespace, url string) string {
	return "http:" + namespace + ":" + url
}

// ScopedKeyer wraps a Keyer with a prefix for per-credential isolation.
//
// Example usage:
//
//	// Keys for one token holder's private projects
//	k := NewScopedKeyer(NewDefaultKeyer(), "user:"+Hash([]byte(token))[:16]+":")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{inner: inner, prefix: prefix}
}

// HTTPKey generates a prefixed key for HTTP response caching.
func (k *ScopedKeyer) HTTPKey(namespace, url string) string {
	return k.prefix + k.inner.HTTPKey(namespace, url)
}

// CredentialScope returns a key prefix that identifies a credential without
// storing it. Anonymous access shares the "public:" scope.
func CredentialScope(token string) string {
	if token == "" {
		return "public:"
	}
	return "user:" + Hash([]byte(token))[:16] + ":"
}
