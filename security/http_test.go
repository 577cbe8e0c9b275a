package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{name: "https issuer", issuer: "https://auth.example.com", wantHSTS: true},
		{name: "http issuer", issuer: "http://localhost:8080", wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.issuer)

			if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
			if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
			}
			hasHSTS := w.Header().Get("Strict-Transport-Security") != ""
			if hasHSTS != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", hasHSTS, tt.wantHSTS)
			}
		})
	}
}

func TestSetNoStoreHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetNoStoreHeaders(w)

	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", got)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		trustProxy bool
		proxyCount int
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:5000", want: "10.0.0.1"},
		{name: "xff ignored without trust", remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4", want: "10.0.0.1"},
		{name: "xff single proxy", remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4, 10.0.0.2", trustProxy: true, proxyCount: 1, want: "1.2.3.4"},
		{name: "xff two proxies", remoteAddr: "10.0.0.1:5000", xff: "1.2.3.4, 5.6.7.8, 10.0.0.2", trustProxy: true, proxyCount: 2, want: "1.2.3.4"},
		{name: "invalid xff falls back to x-real-ip", remoteAddr: "10.0.0.1:5000", xff: "garbage", xRealIP: "9.9.9.9", trustProxy: true, want: "9.9.9.9"},
		{name: "remote addr without port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.proxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstream   string
		wantReused bool
	}{
		{name: "valid upstream id", upstream: "req-123_abc", wantReused: true},
		{name: "header injection rejected", upstream: "bad\r\nid", wantReused: false},
		{name: "missing id", upstream: "", wantReused: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				r.Header[RequestIDHeader] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if w.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header = %q, context = %q", w.Header().Get(RequestIDHeader), seen)
			}
			if (seen == tt.upstream) != tt.wantReused {
				t.Errorf("reused upstream id = %v, want %v", seen == tt.upstream, tt.wantReused)
			}
		})
	}
}
