package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jjrdk/dotauth/internal/testutil"
)

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		header        string
		wantTTL       time.Duration
		wantCacheable bool
	}{
		{"", 0, true},
		{"max-age=60", time.Minute, true},
		{"public, max-age=120", 2 * time.Minute, true},
		{"no-store", 0, false},
		{"max-age=60, no-cache", 0, false},
		{"max-age=0", 0, false},
		{"max-age=abc", 0, true},
		{"MAX-AGE=30", 30 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			ttl, cacheable := parseCacheControl(tt.header)
			if ttl != tt.wantTTL || cacheable != tt.wantCacheable {
				t.Errorf("parseCacheControl(%q) = (%v, %v), want (%v, %v)", tt.header, ttl, cacheable, tt.wantTTL, tt.wantCacheable)
			}
		})
	}
}

func TestRequestObjectCache(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	cache := newRequestObjectCache(time.Minute, 2, clock.Now)

	cache.Set("a", "object-a", 0)
	if got, ok := cache.Get("a"); !ok || got != "object-a" {
		t.Fatalf("Get(a) = %q, %v", got, ok)
	}

	clock.Advance(time.Second)
	cache.Set("b", "object-b", 10*time.Minute)
	clock.Advance(time.Second)
	cache.Set("c", "object-c", 10*time.Minute)

	if cache.Size() != 2 {
		t.Errorf("Size() = %d, want 2", cache.Size())
	}
	if _, ok := cache.Get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}

	clock.Advance(11 * time.Minute)
	if _, ok := cache.Get("b"); ok {
		t.Error("expired entry returned")
	}
	if removed := cache.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"172.32.0.1", false},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestFetchRequestObject(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/cached":
			w.Header().Set("Cache-Control", "max-age=60")
			fmt.Fprint(w, "  eyJhbGciOiJIUzI1NiJ9.e30.sig\n")
		case "/uncached":
			w.Header().Set("Cache-Control", "no-store")
			fmt.Fprint(w, "eyJhbGciOiJIUzI1NiJ9.e30.sig")
		case "/large":
			fmt.Fprint(w, strings.Repeat("a", 2048))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	env := newTestEnv(t, func(c *Config) {
		c.AllowInsecureHTTP = true
		c.AllowPrivateRequestURIs = true
		c.MaxRequestObjectSize = 1024
	})
	ctx := context.Background()

	t.Run("cached by max-age", func(t *testing.T) {
		hits.Store(0)
		for range 2 {
			object, err := env.srv.fetchRequestObject(ctx, ts.URL+"/cached")
			testutil.AssertNoError(t, err)
			if object != "eyJhbGciOiJIUzI1NiJ9.e30.sig" {
				t.Errorf("object = %q", object)
			}
		}
		if got := hits.Load(); got != 1 {
			t.Errorf("fetches = %d, want 1", got)
		}
	})

	t.Run("no-store is fetched every time", func(t *testing.T) {
		hits.Store(0)
		for range 2 {
			_, err := env.srv.fetchRequestObject(ctx, ts.URL+"/uncached")
			testutil.AssertNoError(t, err)
		}
		if got := hits.Load(); got != 2 {
			t.Errorf("fetches = %d, want 2", got)
		}
	})

	t.Run("non-200 status", func(t *testing.T) {
		_, err := env.srv.fetchRequestObject(ctx, ts.URL+"/missing")
		testutil.AssertError(t, err)
		testutil.AssertStringContains(t, err.Error(), "HTTP 404")
	})

	t.Run("oversized object", func(t *testing.T) {
		_, err := env.srv.fetchRequestObject(ctx, ts.URL+"/large")
		testutil.AssertError(t, err)
		testutil.AssertStringContains(t, err.Error(), "exceeds")
	})

	t.Run("relative uri", func(t *testing.T) {
		_, err := env.srv.fetchRequestObject(ctx, "/cached")
		testutil.AssertError(t, err)
	})
}

func TestFetchRequestObject_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprint(w, "shared-object")
	}))
	defer ts.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	env := newTestEnv(t, func(c *Config) {
		c.AllowInsecureHTTP = true
		c.AllowPrivateRequestURIs = true
	})
	uri := ts.URL + "/request.jwt"

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := env.srv.fetchRequestObject(ctx, uri)
		errc <- err
	}()

	<-started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
	}

	// the fetch continues for other callers and fills the cache
	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := env.srv.requestObjects.Get(uri); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the shared fetch was aborted with its first caller")
		}
		time.Sleep(10 * time.Millisecond)
	}

	object, err := env.srv.fetchRequestObject(context.Background(), uri)
	testutil.AssertNoError(t, err)
	if object != "shared-object" || hits.Load() != 1 {
		t.Errorf("object = %q after %d fetches, want one shared fetch", object, hits.Load())
	}
}

func TestFetchRequestObject_Restrictions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "object")
	}))
	defer ts.Close()
	ctx := context.Background()

	t.Run("plain http rejected", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.srv.fetchRequestObject(ctx, ts.URL)
		testutil.AssertError(t, err)
		testutil.AssertStringContains(t, err.Error(), "scheme http")
	})

	t.Run("private address rejected at dial time", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.AllowInsecureHTTP = true })
		_, err := env.srv.fetchRequestObject(ctx, ts.URL)
		testutil.AssertError(t, err)
		testutil.AssertStringContains(t, err.Error(), "private address")
	})

	t.Run("rate limited per host", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) {
			c.AllowInsecureHTTP = true
			c.AllowPrivateRequestURIs = true
		})

		var limited bool
		for i := range requestURIFetchesPerMinute + 1 {
			_, err := env.srv.fetchRequestObject(ctx, fmt.Sprintf("%s/%d", ts.URL, i))
			if err != nil && strings.Contains(err.Error(), "rate limit") {
				limited = true
			}
		}
		if !limited {
			t.Error("expected the per-host rate limit to trigger")
		}
	})
}
