// Package testutil provides testing utilities and helpers for dotauth.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/jjrdk/dotauth/storage"
)

// Well-known fixture values.
const (
	TestClientID     = "test-client-id"
	TestClientSecret = "secret"
	TestRedirectURI  = "https://example.com/callback"
	TestSubject      = "administrator"
	TestPassword     = "password"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

var (
	hashOnce   sync.Once
	secretHash string
	passHash   string
)

func hashes() (string, string) {
	hashOnce.Do(func() {
		s, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash secret: %v", err))
		}
		p, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash password: %v", err))
		}
		secretHash, passHash = string(s), string(p)
	})
	return secretHash, passHash
}

// GenerateTestClient creates a confidential client authenticating with
// client_secret_basic using TestClientSecret.
func GenerateTestClient() *storage.Client {
	secret, _ := hashes()
	return &storage.Client{
		ClientID:                 TestClientID,
		ClientName:               "Test Client",
		Secrets:                  []storage.ClientSecret{{Type: storage.SecretSharedSecret, Value: secret}},
		TokenEndpointAuthMethod:  "client_secret_basic",
		GrantTypes:               []string{"authorization_code", "refresh_token", "password", "client_credentials"},
		ResponseTypes:            []string{"code", "token", "id_token"},
		RedirectURIs:             []string{TestRedirectURI},
		AllowedScopes:            []string{"openid", "profile", "email", "api"},
		IDTokenSignedResponseAlg: "RS256",
		CreatedAt:                time.Now(),
	}
}

// GenerateTestScopes returns the scopes referenced by GenerateTestClient
func GenerateTestScopes() []*storage.Scope {
	return []*storage.Scope{
		{Name: "openid", IsExposed: true, IsOpenIDScope: true, IsDisplayedInConsent: true, Claims: []string{"sub"}, Type: storage.ScopeTypeResourceOwner},
		{Name: "profile", IsExposed: true, IsOpenIDScope: true, IsDisplayedInConsent: true, Claims: []string{"name", "given_name", "family_name"}, Type: storage.ScopeTypeResourceOwner},
		{Name: "email", IsExposed: true, IsOpenIDScope: true, IsDisplayedInConsent: true, Claims: []string{"email"}, Type: storage.ScopeTypeResourceOwner},
		{Name: "api", IsExposed: true, IsDisplayedInConsent: true, Type: storage.ScopeTypeProtectedAPI},
	}
}

// GenerateTestResourceOwner creates a local account authenticating with TestPassword
func GenerateTestResourceOwner() *storage.ResourceOwner {
	_, password := hashes()
	return &storage.ResourceOwner{
		Subject:      TestSubject,
		PasswordHash: password,
		Claims: []storage.Claim{
			{Type: "sub", Value: TestSubject},
			{Type: "name", Value: "Test User"},
			{Type: "email", Value: "test@example.com"},
			{Type: "role", Value: "administrator"},
		},
		IsLocalAccount: true,
		CreatedAt:      time.Now(),
	}
}

// GenerateTestAuthorizationCode creates a test authorization code
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(32),
		ClientID:    TestClientID,
		Subject:     TestSubject,
		Scopes:      []string{"openid", "profile"},
		RedirectURI: TestRedirectURI,
		AuthTime:    time.Now(),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestGrantedToken creates a token set with a one hour access token
// and a refresh token valid for a day
func GenerateTestGrantedToken() *storage.GrantedToken {
	return &storage.GrantedToken{
		ID:                    GenerateRandomString(16),
		AccessToken:           GenerateRandomString(32),
		RefreshToken:          GenerateRandomString(32),
		Scopes:                []string{"openid", "profile"},
		ClientID:              TestClientID,
		Subject:               TestSubject,
		TokenType:             "Bearer",
		ExpiresIn:             3600,
		CreatedAt:             time.Now(),
		RefreshTokenExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

// GenerateTestTicket creates a ticket for one resource set owned by TestSubject
func GenerateTestTicket(resourceSetID string, scopes ...string) *storage.Ticket {
	return &storage.Ticket{
		ID:            GenerateRandomString(16),
		ResourceOwner: TestSubject,
		Lines:         []storage.TicketLine{{ResourceSetID: resourceSetID, Scopes: scopes}},
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

// GenerateTestDeviceAuthorization creates a pending device authorization
func GenerateTestDeviceAuthorization() *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode: GenerateRandomString(32),
		UserCode:   strings.ToUpper(GenerateRandomString(8)),
		ClientID:   TestClientID,
		Scopes:     []string{"openid"},
		Interval:   5,
		Status:     storage.DeviceStatusPending,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    url.Values
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth sets HTTP basic credentials
func (r *HTTPRequest) WithBasicAuth(username, password string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(username) + ":" + url.QueryEscape(password)))
	return r.WithHeader("Authorization", "Basic "+creds)
}

// WithForm sets a form-encoded request body
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Form = form
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
