package dotauth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jjrdk/dotauth/server"
)

const (
	defaultMaxRequestBodySize = 1 << 20 // 1 MiB
	defaultRateLimitBurst     = 20
)

// Config holds the HTTP surface configuration
// Structured using composition, the engine settings live in Server
type Config struct {
	// Server configures the authorization server engine
	Server server.Config

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// CORS settings for browser-based clients
	CORS CORSConfig

	// Interaction pages the user agent is sent to while a request waits
	// for the end user
	Interaction InteractionConfig

	// MaxRequestBodySize caps request bodies in bytes
	// Default: 1 MiB
	MaxRequestBodySize int64

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	// Default: 20
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of this server.
	// Default: 1
	TrustedProxyCount int
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the endpoints.
	// Empty disables CORS, "*" allows every origin.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds
	// Default: 3600
	MaxAge int
}

// InteractionConfig names the pages hosting user interaction. Each page
// receives the protected request in the "request" query parameter and
// resumes it at /authorization/resume or /authorization/consent.
type InteractionConfig struct {
	// LoginURL authenticates the end user
	LoginURL string

	// ConsentURL asks the end user to grant the requested scopes
	ConsentURL string

	// SendCodeURL collects a second-factor confirmation code
	SendCodeURL string
}

// URLFor returns the interaction page of action, empty when not configured
func (c InteractionConfig) URLFor(action server.Action) string {
	switch action {
	case server.ActionAuthenticate:
		return c.LoginURL
	case server.ActionConsent:
		return c.ConsentURL
	case server.ActionSendCode:
		return c.SendCodeURL
	default:
		return ""
	}
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateLimitBurst
	}
	if c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.RateLimit.Rate < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	for name, raw := range map[string]string{
		"login":     c.Interaction.LoginURL,
		"consent":   c.Interaction.ConsentURL,
		"send code": c.Interaction.SendCodeURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s URL: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
