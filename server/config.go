package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens and RPTs are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RefreshTokenReuseGrace allows a consumed refresh token to be redeemed
	// again within this window (e.g. for clients retrying a lost response).
	// Zero means strict single use.
	// Default: 0
	RefreshTokenReuseGrace int64 // seconds, default: 0

	// TicketTTL is how long UMA permission tickets are valid
	TicketTTL int64 // seconds, default: 3600 (1 hour)

	// DeviceCodeTTL is how long device authorization requests are valid
	DeviceCodeTTL int64 // seconds, default: 1800 (30 minutes)

	// DevicePollingInterval is the minimum interval between device polls
	DevicePollingInterval int64 // seconds, default: 5

	// DeviceVerificationURI is the page where users enter their user code.
	// Default: Issuer + "/device"
	DeviceVerificationURI string

	// ConfirmationCodeTTL is how long second-factor codes are valid
	ConfirmationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// ConfirmationCodeAttempts is the number of validation attempts allowed
	// per subject within ConfirmationCodeTTL
	// Default: 5
	ConfirmationCodeAttempts int

	// SigningAlgorithm selects the JWS algorithm of generated signing keys.
	// Supported: RS256, ES256
	// Default: RS256
	SigningAlgorithm string

	// KeyRetention is how long a rotated-out signing key remains published
	// for verification
	KeyRetention int64 // seconds, default: 86400 (1 day)

	// RequestProtectionKey is the base64 encoded AES-256 key sealing
	// in-flight authorization requests. A random key is generated when empty,
	// which breaks resumption across restarts and instances.
	RequestProtectionKey string

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 method is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool

	// MaxRequestObjectSize caps the size of request objects fetched from request_uri
	MaxRequestObjectSize int64 // bytes, default: 65536

	// RequestObjectCacheTTL is how long request objects fetched from a
	// request_uri are cached when the response carries no max-age
	RequestObjectCacheTTL int64 // seconds, default: 300 (5 minutes)

	// RequestObjectFetchTimeout bounds a request_uri fetch
	RequestObjectFetchTimeout int64 // seconds, default: 10

	// AllowPrivateRequestURIs allows request_uri to resolve to loopback and
	// private addresses (NOT RECOMMENDED outside development)
	// Default: false
	AllowPrivateRequestURIs bool

	// EventBufferSize is the capacity of the event publisher queue
	// Default: 256
	EventBufferSize int

	// AllowInsecureHTTP allows a plain HTTP issuer on a non-loopback host
	// (NOT RECOMMENDED). Loopback issuers are always accepted.
	// Default: false
	AllowInsecureHTTP bool
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")

	applyTimeDefaults(config)
	applyLimitDefaults(config)
	logSecurityWarnings(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.TicketTTL == 0 {
		config.TicketTTL = 3600 // 1 hour
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 1800 // 30 minutes
	}
	if config.DevicePollingInterval == 0 {
		config.DevicePollingInterval = 5
	}
	if config.ConfirmationCodeTTL == 0 {
		config.ConfirmationCodeTTL = 300 // 5 minutes
	}
	if config.KeyRetention == 0 {
		config.KeyRetention = 86400 // 1 day
	}
	if config.RequestObjectCacheTTL == 0 {
		config.RequestObjectCacheTTL = 300 // 5 minutes
	}
	if config.RequestObjectFetchTimeout == 0 {
		config.RequestObjectFetchTimeout = 10
	}
}

// applyLimitDefaults sets defaults for sizes, attempts and algorithms
func applyLimitDefaults(config *Config) {
	if config.ConfirmationCodeAttempts == 0 {
		config.ConfirmationCodeAttempts = 5
	}
	if config.MaxRequestObjectSize == 0 {
		config.MaxRequestObjectSize = 64 * 1024
	}
	if config.EventBufferSize == 0 {
		config.EventBufferSize = 256
	}
	if config.SigningAlgorithm == "" {
		config.SigningAlgorithm = AlgRS256
	}
	if config.DeviceVerificationURI == "" {
		config.DeviceVerificationURI = config.Issuer + EndpointDevice
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.RefreshTokenReuseGrace > 0 {
		logger.Warn("SECURITY WARNING: Refresh token reuse grace period is enabled",
			"grace_seconds", config.RefreshTokenReuseGrace,
			"risk", "A stolen refresh token can be replayed within the grace period",
			"recommendation", "Set RefreshTokenReuseGrace=0 for strict single use")
	}
	if config.RequestProtectionKey == "" {
		logger.Warn("CONFIGURATION WARNING: RequestProtectionKey not configured",
			"risk", "Pending authorization requests are lost on restart",
			"recommendation", "Set RequestProtectionKey to a base64 encoded 32 byte key")
	}
	if config.AllowPrivateRequestURIs {
		logger.Warn("SECURITY WARNING: request_uri may resolve to private addresses",
			"risk", "Server-side request forgery against internal services",
			"recommendation", "Set AllowPrivateRequestURIs=false in production")
	}
	if config.Issuer != "" && !strings.HasPrefix(config.Issuer, "https://") {
		logger.Warn("SECURITY WARNING: Issuer does not use HTTPS",
			"issuer", config.Issuer,
			"recommendation", "Only use plain HTTP issuers for local development")
	}
}

// validateConfig rejects configurations the server cannot run with
func validateConfig(config *Config) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(config.Issuer)
	if err != nil || !issuerURL.IsAbs() {
		return fmt.Errorf("invalid issuer URL: %s", config.Issuer)
	}
	if issuerURL.Fragment != "" || issuerURL.RawQuery != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case "https":
	case "http":
		if !isLocalhostHostname(issuerURL.Hostname()) && !config.AllowInsecureHTTP {
			return fmt.Errorf(
				"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
					"To run on localhost for development, use a loopback host or set AllowInsecureHTTP=true",
				issuerURL.Scheme,
				issuerURL.Hostname(),
			)
		}
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	switch config.SigningAlgorithm {
	case AlgRS256, AlgES256:
	default:
		return fmt.Errorf("unsupported signing algorithm: %s (supported: %s, %s)", config.SigningAlgorithm, AlgRS256, AlgES256)
	}

	if config.RefreshTokenReuseGrace < 0 {
		return fmt.Errorf("refresh token reuse grace must not be negative")
	}
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes the whole IPv4 loopback range, IPv6 loopback and the
// localhost name.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	// url.Hostname() strips brackets, but callers may pass them through
	clean := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
