package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jjrdk/dotauth/security"
)

const (
	defaultRequestObjectCacheEntries = 1000
	requestURIFetchesPerMinute       = 10
)

// requestObjectCache is an in-memory cache of request objects fetched by
// reference, keyed by request_uri, honoring Cache-Control max-age
type requestObjectCache struct {
	mu         sync.RWMutex
	entries    map[string]*cachedRequestObject
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
}

type cachedRequestObject struct {
	object    string
	expiresAt time.Time
	cachedAt  time.Time
}

func newRequestObjectCache(defaultTTL time.Duration, maxEntries int, now func() time.Time) *requestObjectCache {
	if maxEntries <= 0 {
		maxEntries = defaultRequestObjectCacheEntries
	}
	return &requestObjectCache{
		entries:    make(map[string]*cachedRequestObject),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        now,
	}
}

// Get returns the cached object if present and not expired
func (c *requestObjectCache) Get(requestURI string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[requestURI]
	if !ok || c.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.object, true
}

// Set stores an object; a non-positive ttl selects the default TTL
func (c *requestObjectCache) Set(requestURI, object string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[requestURI]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	now := c.now()
	c.entries[requestURI] = &cachedRequestObject{
		object:    object,
		expiresAt: now.Add(ttl),
		cachedAt:  now,
	}
}

// evictOldest removes the entry cached first. Caller must hold the write lock.
func (c *requestObjectCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// CleanupExpired removes expired entries and returns how many were removed
func (c *requestObjectCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of cached entries
func (c *requestObjectCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// isPrivateIP reports whether ip is loopback, link-local, unspecified or in a
// private range
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsPrivate()
}

// newRequestURIClient builds the HTTP client fetching request_uri documents.
// Unless private addresses are allowed, the resolved address is checked when
// connecting so DNS rebinding cannot reach internal services.
func newRequestURIClient(config *Config) *http.Client {
	timeout := time.Duration(config.RequestObjectFetchTimeout) * time.Second

	dialer := &net.Dialer{Timeout: timeout}
	if !config.AllowPrivateRequestURIs {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("invalid address %s: %w", address, err)
			}
			ip := net.ParseIP(host)
			if ip == nil || isPrivateIP(ip) {
				return fmt.Errorf("request_uri resolves to a private address: %s", host)
			}
			return nil
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		// Redirects are not followed
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// fetchRequestObject resolves a request_uri, serving from the cache when
// possible and deduplicating concurrent fetches of the same URI
func (s *Server) fetchRequestObject(ctx context.Context, requestURI string) (string, error) {
	u, err := url.Parse(requestURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("request_uri is not an absolute URI")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && s.Config.AllowInsecureHTTP:
	default:
		return "", fmt.Errorf("request_uri scheme %s is not supported", u.Scheme)
	}

	if object, ok := s.requestObjects.Get(requestURI); ok {
		s.Logger.Debug("Using cached request object", "request_uri", requestURI)
		return object, nil
	}

	host := u.Hostname()
	if !s.requestURILimiter.Allow(host) {
		s.metrics().RecordRateLimitExceeded(ctx, "request_uri")
		s.publish(security.EventRateLimitExceeded, "", "", map[string]any{
			"limiter": "request_uri",
			"host":    host,
		})
		return "", fmt.Errorf("rate limit exceeded for request_uri fetches from %s", host)
	}

	// the shared fetch outlives any single caller; each waiter gives up on
	// its own context
	ch := s.requestURIGroup.DoChan(requestURI, func() (any, error) {
		if object, ok := s.requestObjects.Get(requestURI); ok {
			return object, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			time.Duration(s.Config.RequestObjectFetchTimeout)*time.Second)
		defer cancel()

		object, ttl, cacheable, err := s.downloadRequestObject(fetchCtx, requestURI)
		if err != nil {
			return nil, err
		}
		if cacheable {
			s.requestObjects.Set(requestURI, object, ttl)
		}
		return object, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Server) downloadRequestObject(ctx context.Context, requestURI string) (string, time.Duration, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURI, nil)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/oauth-authz-req+jwt, application/jwt")
	httpReq.Header.Set("User-Agent", "dotauth")

	resp, err := s.HTTPClient.Do(httpReq)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to fetch request object: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.Logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", 0, false, fmt.Errorf("request_uri returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.Config.MaxRequestObjectSize+1))
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to read request object: %w", err)
	}
	if int64(len(body)) > s.Config.MaxRequestObjectSize {
		return "", 0, false, fmt.Errorf("request object exceeds %d bytes", s.Config.MaxRequestObjectSize)
	}

	ttl, cacheable := parseCacheControl(resp.Header.Get("Cache-Control"))
	return strings.TrimSpace(string(body)), ttl, cacheable, nil
}

// parseCacheControl extracts max-age from a Cache-Control header. no-store and
// no-cache make the response uncacheable; a zero ttl selects the default.
func parseCacheControl(header string) (time.Duration, bool) {
	var ttl time.Duration
	for _, directive := range strings.Split(header, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store", directive == "no-cache":
			return 0, false
		case strings.HasPrefix(directive, "max-age="):
			seconds, err := strconv.ParseInt(strings.TrimPrefix(directive, "max-age="), 10, 64)
			if err != nil || seconds < 0 {
				continue
			}
			if seconds == 0 {
				return 0, false
			}
			ttl = time.Duration(seconds) * time.Second
		}
	}
	return ttl, true
}
