package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultJWKSTTL is how long a fetched key set stays fresh.
const DefaultJWKSTTL = time.Hour

// ErrJWKSFetch is returned when the key server cannot be reached or
// returns an unusable document. Callers treat it as an authentication
// failure: the token cannot be verified, so it must be refused.
var ErrJWKSFetch = errors.New("jwks fetch failed")

// jwksDocument is the wire format of a JWKS endpoint.
type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksEntry struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// IssuerStats describes one cached issuer entry for operator inspection.
type IssuerStats struct {
	Issuer       string        `json:"issuer"`
	KeyCount     int           `json:"key_count"`
	Age          time.Duration `json:"age"`
	RemainingTTL time.Duration `json:"remaining_ttl"`
}

// JWKSCache caches RSA signing keys per issuer URL with a TTL.
//
// On a token whose key id is not in the cached set, the issuer's entry is
// flushed and refetched once; a second miss fails with ErrUnknownKey.
// The cache is safe for concurrent use and is created once per process.
type JWKSCache struct {
	mu      sync.RWMutex
	entries map[string]*jwksEntry

	ttl    time.Duration
	client *http.Client
	now    func() time.Time
}

// JWKSCacheOption is a functional option for configuring JWKSCache.
type JWKSCacheOption func(*JWKSCache)

// WithJWKSTTL overrides the cache TTL.
func WithJWKSTTL(ttl time.Duration) JWKSCacheOption {
	return func(c *JWKSCache) {
		c.ttl = ttl
	}
}

// WithJWKSHTTPClient sets a custom HTTP client for key fetches.
func WithJWKSHTTPClient(client *http.Client) JWKSCacheOption {
	return func(c *JWKSCache) {
		c.client = client
	}
}

// WithJWKSClock injects a clock, used by tests to control expiry.
func WithJWKSClock(now func() time.Time) JWKSCacheOption {
	return func(c *JWKSCache) {
		c.now = now
	}
}

// NewJWKSCache creates a process-wide JWKS cache.
func NewJWKSCache(opts ...JWKSCacheOption) *JWKSCache {
	c := &JWKSCache{
		entries: make(map[string]*jwksEntry),
		ttl:     DefaultJWKSTTL,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key resolves the RSA public key for (issuer, kid).
//
// A fresh entry that contains the kid is served from cache. A missing or
// stale kid triggers exactly one refetch of the issuer's key set; if the
// kid is still absent afterwards the caller receives ErrUnknownKey.
func (c *JWKSCache) Key(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	entry, ok := c.entries[issuer]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		if key, found := entry.keys[kid]; found {
			c.mu.RUnlock()
			return key, nil
		}
	}
	c.mu.RUnlock()

	// Miss or stale: flush the issuer's entry and refetch once.
	entry, err := c.fetch(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}

	c.mu.Lock()
	c.entries[issuer] = entry
	c.mu.Unlock()

	if key, found := entry.keys[kid]; found {
		return key, nil
	}
	return nil, ErrUnknownKey
}

// Stats returns age and remaining TTL per cached issuer.
func (c *JWKSCache) Stats() []IssuerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]IssuerStats, 0, len(c.entries))
	for issuer, entry := range c.entries {
		age := c.now().Sub(entry.fetchedAt)
		remaining := c.ttl - age
		if remaining < 0 {
			remaining = 0
		}
		stats = append(stats, IssuerStats{
			Issuer:       issuer,
			KeyCount:     len(entry.keys),
			Age:          age,
			RemainingTTL: remaining,
		})
	}
	return stats
}

// fetch retrieves and parses the issuer's JWKS document.
func (c *JWKSCache) fetch(ctx context.Context, issuer string) (*jwksEntry, error) {
	url := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			// Skip unparseable keys rather than failing the whole set.
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks document from %s contains no usable RSA keys", url)
	}

	return &jwksEntry{keys: keys, fetchedAt: c.now()}, nil
}

// parseRSAKey converts the base64url modulus/exponent pair into a public key.
func parseRSAKey(k jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
