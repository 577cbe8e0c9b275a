package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/naoina/toml"
	"golang.org/x/crypto/bcrypt"

	"github.com/jjrdk/dotauth"
	"github.com/jjrdk/dotauth/server"
	"github.com/jjrdk/dotauth/storage"
)

const (
	DefaultListenAddr = ":8080"
	DefaultIssuer     = "http://localhost:8080"

	ServerReadHeaderTimeout = 5 * time.Second
	ServerReadTimeout       = 10 * time.Second
	ServerWriteTimeout      = 10 * time.Second
	ServerIdleTimeout       = 30 * time.Second
	ServerShutdownTimeout   = 15 * time.Second
)

type RateLimitConfig struct {
	Rate              int  `toml:"rate"`
	Burst             int  `toml:"burst"`
	TrustProxy        bool `toml:"trust_proxy"`
	TrustedProxyCount int  `toml:"trusted_proxy_count"`
}

type CORSConfig struct {
	AllowedOrigins   []string `toml:"allowed_origins"`
	AllowCredentials bool     `toml:"allow_credentials"`
	MaxAge           int      `toml:"max_age"`
}

type InteractionConfig struct {
	LoginURL    string `toml:"login_url"`
	ConsentURL  string `toml:"consent_url"`
	SendCodeURL string `toml:"send_code_url"`
}

type ValkeyConfig struct {
	Address   string `toml:"address"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// ClientConfig registers a client at startup. SecretHash is a bcrypt hash as
// printed by the hash-secret command.
type ClientConfig struct {
	ID                      string   `toml:"id"`
	Name                    string   `toml:"name"`
	SecretHash              string   `toml:"secret_hash"`
	GrantTypes              []string `toml:"grant_types"`
	ResponseTypes           []string `toml:"response_types"`
	RedirectURIs            []string `toml:"redirect_uris"`
	AllowedScopes           []string `toml:"allowed_scopes"`
	TokenEndpointAuthMethod string   `toml:"token_endpoint_auth_method"`
	RequirePKCE             bool     `toml:"require_pkce"`
}

type ScopeConfig struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Exposed     bool     `toml:"exposed"`
	OpenID      bool     `toml:"openid"`
	Consent     bool     `toml:"consent"`
	Claims      []string `toml:"claims"`
	Type        string   `toml:"type"`
}

type OwnerConfig struct {
	Subject      string            `toml:"subject"`
	PasswordHash string            `toml:"password_hash"`
	Claims       map[string]string `toml:"claims"`
}

type Config struct {
	Debug         bool   `toml:"debug"`
	ListenAddr    string `toml:"listen_addr"`
	Issuer        string `toml:"issuer"`
	SessionHeader string `toml:"session_header"`
	Audit         bool   `toml:"audit"`

	// comma separated methods the proxy completed, e.g. "pwd,sms"
	SessionAMRHeader      string `toml:"session_amr_header"`
	// unix seconds of the proxy login; without it max_age is not enforced
	SessionAuthTimeHeader string `toml:"session_auth_time_header"`

	AuthorizationCodeTTL int64  `toml:"authorization_code_ttl"`
	AccessTokenTTL       int64  `toml:"access_token_ttl"`
	RefreshTokenTTL      int64  `toml:"refresh_token_ttl"`
	TicketTTL            int64  `toml:"ticket_ttl"`
	DeviceCodeTTL        int64  `toml:"device_code_ttl"`
	SigningAlgorithm     string `toml:"signing_algorithm"`
	RequestProtectionKey string `toml:"request_protection_key"`
	EncryptionKey        string `toml:"encryption_key"`
	AllowInsecureHTTP    bool   `toml:"allow_insecure_http"`
	MaxRequestBodySize   int64  `toml:"max_request_body_size"`

	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	CORS        CORSConfig        `toml:"cors"`
	Interaction InteractionConfig `toml:"interaction"`
	Valkey      ValkeyConfig      `toml:"valkey"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`

	Clients []ClientConfig `toml:"clients"`
	Scopes  []ScopeConfig  `toml:"scopes"`
	Owners  []OwnerConfig  `toml:"owners"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dotauth"
	}

	var errs []error
	for i, cl := range c.Clients {
		if cl.ID == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: id is required", i))
		}
	}
	for i, sc := range c.Scopes {
		if sc.Name == "" {
			errs = append(errs, fmt.Errorf("scopes[%d]: name is required", i))
		}
	}
	for i, o := range c.Owners {
		if o.Subject == "" {
			errs = append(errs, fmt.Errorf("owners[%d]: subject is required", i))
		}
	}
	return errors.Join(errs...)
}

func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var config Config
	if err := toml.NewDecoder(f).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ServerConfig maps the file settings onto the HTTP surface configuration
func (c *Config) ServerConfig() *dotauth.Config {
	return &dotauth.Config{
		Server: server.Config{
			Issuer:               c.Issuer,
			AuthorizationCodeTTL: c.AuthorizationCodeTTL,
			AccessTokenTTL:       c.AccessTokenTTL,
			RefreshTokenTTL:      c.RefreshTokenTTL,
			TicketTTL:            c.TicketTTL,
			DeviceCodeTTL:        c.DeviceCodeTTL,
			SigningAlgorithm:     c.SigningAlgorithm,
			RequestProtectionKey: c.RequestProtectionKey,
			AllowInsecureHTTP:    c.AllowInsecureHTTP,
		},
		RateLimit: dotauth.RateLimitConfig{
			Rate:              c.RateLimit.Rate,
			Burst:             c.RateLimit.Burst,
			TrustProxy:        c.RateLimit.TrustProxy,
			TrustedProxyCount: c.RateLimit.TrustedProxyCount,
		},
		CORS: dotauth.CORSConfig{
			AllowedOrigins:   c.CORS.AllowedOrigins,
			AllowCredentials: c.CORS.AllowCredentials,
			MaxAge:           c.CORS.MaxAge,
		},
		Interaction: dotauth.InteractionConfig{
			LoginURL:    c.Interaction.LoginURL,
			ConsentURL:  c.Interaction.ConsentURL,
			SendCodeURL: c.Interaction.SendCodeURL,
		},
		MaxRequestBodySize: c.MaxRequestBodySize,
	}
}

// seedStore is the subset of storage a configuration file can populate
type seedStore interface {
	storage.ClientStore
	storage.ScopeStore
	storage.ResourceOwnerStore
}

// Seed saves the configured clients, scopes and resource owners
func (c *Config) Seed(ctx context.Context, store seedStore) error {
	now := time.Now()
	for _, sc := range c.Scopes {
		scope := &storage.Scope{
			Name:                 sc.Name,
			Description:          sc.Description,
			IsExposed:            sc.Exposed,
			IsOpenIDScope:        sc.OpenID,
			IsDisplayedInConsent: sc.Consent,
			Claims:               sc.Claims,
			Type:                 sc.Type,
		}
		if scope.Type == "" {
			scope.Type = storage.ScopeTypeResourceOwner
		}
		if err := store.SaveScope(ctx, scope); err != nil {
			return fmt.Errorf("scope %s: %w", sc.Name, err)
		}
	}

	for _, cl := range c.Clients {
		client := &storage.Client{
			ClientID:                cl.ID,
			ClientName:              cl.Name,
			GrantTypes:              cl.GrantTypes,
			ResponseTypes:           cl.ResponseTypes,
			RedirectURIs:            cl.RedirectURIs,
			AllowedScopes:           cl.AllowedScopes,
			TokenEndpointAuthMethod: cl.TokenEndpointAuthMethod,
			RequirePKCE:             cl.RequirePKCE,
			CreatedAt:               now,
		}
		if cl.SecretHash != "" {
			if _, err := bcrypt.Cost([]byte(cl.SecretHash)); err != nil {
				return fmt.Errorf("client %s: secret_hash is not a bcrypt hash: %w", cl.ID, err)
			}
			client.Secrets = []storage.ClientSecret{{Type: storage.SecretSharedSecret, Value: cl.SecretHash}}
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("client %s: %w", cl.ID, err)
		}
	}

	for _, o := range c.Owners {
		owner := &storage.ResourceOwner{
			Subject:        o.Subject,
			PasswordHash:   o.PasswordHash,
			IsLocalAccount: true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, typ := range slices.Sorted(maps.Keys(o.Claims)) {
			owner.Claims = append(owner.Claims, storage.Claim{Type: typ, Value: o.Claims[typ]})
		}
		if err := store.SaveResourceOwner(ctx, owner); err != nil {
			return fmt.Errorf("owner %s: %w", o.Subject, err)
		}
	}
	return nil
}
