package server

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8
)

// Stores groups the store contracts consumed by the engine.
type Stores struct {
	Clients              storage.ClientStore
	Scopes               storage.ScopeStore
	AuthorizationCodes   storage.AuthorizationCodeStore
	Tokens               storage.TokenStore
	Consents             storage.ConsentStore
	ResourceSets         storage.ResourceSetStore
	Tickets              storage.TicketStore
	Policies             storage.PolicyStore
	ResourceOwners       storage.ResourceOwnerStore
	ConfirmationCodes    storage.ConfirmationCodeStore
	DeviceAuthorizations storage.DeviceAuthorizationStore
	JWKS                 storage.JWKSStore
}

// AllStores is implemented by stores that satisfy every contract, such as
// the in-memory store.
type AllStores interface {
	storage.ClientStore
	storage.ScopeStore
	storage.AuthorizationCodeStore
	storage.TokenStore
	storage.ConsentStore
	storage.ResourceSetStore
	storage.TicketStore
	storage.PolicyStore
	storage.ResourceOwnerStore
	storage.ConfirmationCodeStore
	storage.DeviceAuthorizationStore
	storage.JWKSStore
}

// StoresFrom binds every contract to a single store
func StoresFrom(s AllStores) Stores {
	return Stores{
		Clients:              s,
		Scopes:               s,
		AuthorizationCodes:   s,
		Tokens:               s,
		Consents:             s,
		ResourceSets:         s,
		Tickets:              s,
		Policies:             s,
		ResourceOwners:       s,
		ConfirmationCodes:    s,
		DeviceAuthorizations: s,
		JWKS:                 s,
	}
}

func (st Stores) validate() error {
	required := []struct {
		name  string
		store any
	}{
		{"client", st.Clients},
		{"scope", st.Scopes},
		{"authorization code", st.AuthorizationCodes},
		{"token", st.Tokens},
		{"consent", st.Consents},
		{"resource set", st.ResourceSets},
		{"ticket", st.Tickets},
		{"policy", st.Policies},
		{"resource owner", st.ResourceOwners},
		{"confirmation code", st.ConfirmationCodes},
		{"device authorization", st.DeviceAuthorizations},
		{"JWKS", st.JWKS},
	}
	for _, r := range required {
		if r.store == nil {
			return fmt.Errorf("%s store is required", r.name)
		}
	}
	return nil
}

// Server implements the authorization server engine. Every operation is safe
// for concurrent use; shared mutable state lives in the stores.
type Server struct {
	stores Stores
	grants map[string]GrantHandler

	Keys                *KeyManager
	Protector           RequestProtector
	OwnerAuthenticator  ResourceOwnerAuthenticator
	TwoFactor           *TwoFactorRegistry
	Events              EventPublisher
	Auditor             *security.Auditor
	ConfirmationLimiter *security.RateLimiter // validation attempts per subject
	HTTPClient          *http.Client          // fetches request_uri
	Instrumentation     *instrumentation.Instrumentation
	Logger              *slog.Logger
	Config              *Config

	tracer            trace.Tracer
	ownedPublisher    *ChannelPublisher
	requestObjects    *requestObjectCache
	requestURIGroup   singleflight.Group
	requestURILimiter *security.RateLimiter // fetches per request_uri host
	now               func() time.Time
}

// New creates a new authorization server. Signing keys are loaded from the
// JWKS store, and a first key is generated when the store is empty.
func New(stores Stores, config *Config, logger *slog.Logger) (*Server, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	protector, err := newRequestProtectorFromConfig(config)
	if err != nil {
		return nil, err
	}

	// Disabled instrumentation records into no-op providers
	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	srv := &Server{
		stores:             stores,
		Protector:          protector,
		OwnerAuthenticator: &PasswordAuthenticator{Owners: stores.ResourceOwners},
		TwoFactor:          NewTwoFactorRegistry(),
		Auditor:            security.NewAuditor(logger, true),
		HTTPClient:         newRequestURIClient(config),
		Instrumentation:    inst,
		Logger:             logger,
		Config:             config,
		tracer:             inst.Tracer("server"),
		now:                time.Now,
	}

	srv.ConfirmationLimiter = security.NewRateLimiter(
		time.Duration(config.ConfirmationCodeTTL)*time.Second/time.Duration(config.ConfirmationCodeAttempts),
		config.ConfirmationCodeAttempts,
		logger)

	srv.requestObjects = newRequestObjectCache(
		time.Duration(config.RequestObjectCacheTTL)*time.Second,
		defaultRequestObjectCacheEntries,
		func() time.Time { return srv.now() })
	srv.requestURILimiter = security.NewRateLimiter(time.Minute/requestURIFetchesPerMinute, requestURIFetchesPerMinute, logger)

	srv.ownedPublisher = NewChannelPublisher(config.EventBufferSize, logger, srv.auditSink())
	srv.Events = srv.ownedPublisher

	srv.grants = make(map[string]GrantHandler)
	for _, h := range []GrantHandler{
		&passwordGrant{srv: srv},
		&authorizationCodeGrant{srv: srv},
		&refreshTokenGrant{srv: srv},
		&clientCredentialsGrant{srv: srv},
		&umaTicketGrant{srv: srv},
		&deviceCodeGrant{srv: srv},
	} {
		srv.RegisterGrant(h)
	}

	srv.Keys = NewKeyManager(stores.JWKS, config.SigningAlgorithm, time.Duration(config.KeyRetention)*time.Second, logger)
	if err := srv.Keys.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	return srv, nil
}

// RegisterGrant adds or replaces the handler for a grant type
func (s *Server) RegisterGrant(h GrantHandler) {
	s.grants[h.GrantType()] = h
}

// SupportedGrantTypes lists the registered grant types
func (s *Server) SupportedGrantTypes() []string {
	return slices.Sorted(maps.Keys(s.grants))
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
	if s.ownedPublisher != nil {
		s.ownedPublisher.SetInstrumentation(inst)
		s.ownedPublisher.ReplaceSinks(s.auditSink())
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if s.ownedPublisher != nil {
		s.ownedPublisher.ReplaceSinks(s.auditSink())
	}
}

func (s *Server) auditSink() *AuditSink {
	sink := &AuditSink{Auditor: s.Auditor}
	if s.Instrumentation != nil {
		sink.Metrics = s.Instrumentation.Metrics()
	}
	return sink
}

// SetEventPublisher replaces the default channel publisher
func (s *Server) SetEventPublisher(p EventPublisher) {
	s.Events = p
}

// SetClock overrides the time source, for tests
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.Keys.now = now
}

// Close stops the background workers owned by the server
func (s *Server) Close() {
	if s.ownedPublisher != nil {
		s.ownedPublisher.Close()
	}
	if s.ConfirmationLimiter != nil {
		s.ConfirmationLimiter.Stop()
	}
	if s.requestURILimiter != nil {
		s.requestURILimiter.Stop()
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+name)
}

// publish hands an event to the publisher without blocking
func (s *Server) publish(eventType, subject, clientID string, details map[string]any) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(Event{
		Type:      eventType,
		Subject:   subject,
		ClientID:  clientID,
		Details:   details,
		Timestamp: s.now(),
	})
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and opaque tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
