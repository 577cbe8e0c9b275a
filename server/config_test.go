package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestApplyTimeDefaults(t *testing.T) {
	tests := []struct {
		name                    string
		input                   *Config
		expectedAuthCodeTTL     int64
		expectedAccessTokenTTL  int64
		expectedRefreshTokenTTL int64
		expectedTicketTTL       int64
		expectedPollingInterval int64
	}{
		{
			name:                    "all zeros should get defaults",
			input:                   &Config{},
			expectedAuthCodeTTL:     600,
			expectedAccessTokenTTL:  3600,
			expectedRefreshTokenTTL: 2592000,
			expectedTicketTTL:       3600,
			expectedPollingInterval: 5,
		},
		{
			name: "custom values should be preserved",
			input: &Config{
				AuthorizationCodeTTL:  300,
				AccessTokenTTL:        1800,
				RefreshTokenTTL:       86400,
				TicketTTL:             120,
				DevicePollingInterval: 10,
			},
			expectedAuthCodeTTL:     300,
			expectedAccessTokenTTL:  1800,
			expectedRefreshTokenTTL: 86400,
			expectedTicketTTL:       120,
			expectedPollingInterval: 10,
		},
		{
			name: "partial custom values",
			input: &Config{
				AuthorizationCodeTTL: 450,
				// AccessTokenTTL should get default
				RefreshTokenTTL: 172800,
			},
			expectedAuthCodeTTL:     450,
			expectedAccessTokenTTL:  3600,
			expectedRefreshTokenTTL: 172800,
			expectedTicketTTL:       3600,
			expectedPollingInterval: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyTimeDefaults(tt.input)

			if tt.input.AuthorizationCodeTTL != tt.expectedAuthCodeTTL {
				t.Errorf("AuthorizationCodeTTL = %d, want %d", tt.input.AuthorizationCodeTTL, tt.expectedAuthCodeTTL)
			}
			if tt.input.AccessTokenTTL != tt.expectedAccessTokenTTL {
				t.Errorf("AccessTokenTTL = %d, want %d", tt.input.AccessTokenTTL, tt.expectedAccessTokenTTL)
			}
			if tt.input.RefreshTokenTTL != tt.expectedRefreshTokenTTL {
				t.Errorf("RefreshTokenTTL = %d, want %d", tt.input.RefreshTokenTTL, tt.expectedRefreshTokenTTL)
			}
			if tt.input.TicketTTL != tt.expectedTicketTTL {
				t.Errorf("TicketTTL = %d, want %d", tt.input.TicketTTL, tt.expectedTicketTTL)
			}
			if tt.input.DevicePollingInterval != tt.expectedPollingInterval {
				t.Errorf("DevicePollingInterval = %d, want %d", tt.input.DevicePollingInterval, tt.expectedPollingInterval)
			}
		})
	}
}

func TestApplyLimitDefaults(t *testing.T) {
	config := &Config{Issuer: "https://auth.example.com"}
	applyLimitDefaults(config)

	if config.SigningAlgorithm != AlgRS256 {
		t.Errorf("SigningAlgorithm = %q, want %q", config.SigningAlgorithm, AlgRS256)
	}
	if config.ConfirmationCodeAttempts != 5 {
		t.Errorf("ConfirmationCodeAttempts = %d, want 5", config.ConfirmationCodeAttempts)
	}
	if config.DeviceVerificationURI != "https://auth.example.com/device" {
		t.Errorf("DeviceVerificationURI = %q", config.DeviceVerificationURI)
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name         string
		config       *Config
		wantWarnings []string
		dontWant     []string
	}{
		{
			name: "secure config only warns about the missing protection key",
			config: &Config{
				Issuer: "https://auth.example.com",
			},
			wantWarnings: []string{"RequestProtectionKey not configured"},
			dontWant:     []string{"PKCE", "grace", "HTTPS"},
		},
		{
			name: "plain PKCE and reuse grace",
			config: &Config{
				Issuer:                 "https://auth.example.com",
				AllowPKCEPlain:         true,
				RefreshTokenReuseGrace: 10,
				RequestProtectionKey:   "key",
			},
			wantWarnings: []string{"Plain PKCE method is ALLOWED", "reuse grace period"},
			dontWant:     []string{"RequestProtectionKey"},
		},
		{
			name: "plain HTTP issuer",
			config: &Config{
				Issuer:               "http://localhost:8080",
				RequestProtectionKey: "key",
			},
			wantWarnings: []string{"Issuer does not use HTTPS"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			logSecurityWarnings(tt.config, logger)

			output := buf.String()
			for _, want := range tt.wantWarnings {
				if !strings.Contains(output, want) {
					t.Errorf("expected warning containing %q, got:\n%s", want, output)
				}
			}
			for _, dont := range tt.dontWant {
				if strings.Contains(output, dont) {
					t.Errorf("unexpected warning containing %q, got:\n%s", dont, output)
				}
			}
		})
	}
}

func TestApplySecureDefaults_TrimsIssuer(t *testing.T) {
	var buf bytes.Buffer
	config := applySecureDefaults(&Config{Issuer: "https://auth.example.com/"}, slog.New(slog.NewTextHandler(&buf, nil)))

	if config.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q, want trailing slash removed", config.Issuer)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantErr   bool
		errSubstr string
	}{
		{
			name:   "https issuer",
			config: &Config{Issuer: "https://auth.example.com", SigningAlgorithm: AlgRS256},
		},
		{
			name:   "loopback http issuer",
			config: &Config{Issuer: "http://127.0.0.1:5000", SigningAlgorithm: AlgES256},
		},
		{
			name:   "insecure http allowed explicitly",
			config: &Config{Issuer: "http://auth.internal", SigningAlgorithm: AlgRS256, AllowInsecureHTTP: true},
		},
		{
			name:      "missing issuer",
			config:    &Config{SigningAlgorithm: AlgRS256},
			wantErr:   true,
			errSubstr: "issuer is required",
		},
		{
			name:      "relative issuer",
			config:    &Config{Issuer: "auth.example.com", SigningAlgorithm: AlgRS256},
			wantErr:   true,
			errSubstr: "invalid issuer URL",
		},
		{
			name:      "issuer with query",
			config:    &Config{Issuer: "https://auth.example.com?tenant=1", SigningAlgorithm: AlgRS256},
			wantErr:   true,
			errSubstr: "query or fragment",
		},
		{
			name:      "http issuer on public host",
			config:    &Config{Issuer: "http://auth.example.com", SigningAlgorithm: AlgRS256},
			wantErr:   true,
			errSubstr: "must use HTTPS",
		},
		{
			name:      "unsupported scheme",
			config:    &Config{Issuer: "ftp://auth.example.com", SigningAlgorithm: AlgRS256},
			wantErr:   true,
			errSubstr: "invalid issuer URL scheme",
		},
		{
			name:      "unsupported algorithm",
			config:    &Config{Issuer: "https://auth.example.com", SigningAlgorithm: "HS256"},
			wantErr:   true,
			errSubstr: "unsupported signing algorithm",
		},
		{
			name:      "negative reuse grace",
			config:    &Config{Issuer: "https://auth.example.com", SigningAlgorithm: AlgRS256, RefreshTokenReuseGrace: -1},
			wantErr:   true,
			errSubstr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errSubstr)
			}
		})
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"[::1]", true},
		{"example.com", false},
		{"10.0.0.1", false},
		{"localhost.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			if got := isLocalhostHostname(tt.hostname); got != tt.want {
				t.Errorf("isLocalhostHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
			}
		})
	}
}
