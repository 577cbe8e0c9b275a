package dotauth

import (
	"fmt"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/server"
)

// Server bundles the authorization server engine with its HTTP handler.
type Server struct {
	// Engine runs every protocol operation
	Engine *server.Server

	// Handler binds the engine to HTTP
	Handler *Handler
}

// New creates the engine over stores and its HTTP handler. sessions
// resolves the logged in end user and may be nil when every request is
// anonymous.
func New(stores server.Stores, config *Config, sessions SessionProvider) (*Server, error) {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := server.New(stores, &cfg.Server, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}

	return &Server{
		Engine:  engine,
		Handler: NewHandler(engine, &cfg, sessions),
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the engine and
// the handler
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Engine.SetInstrumentation(inst)
	s.Handler.tracer = inst.Tracer("http")
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Engine.SetAuditor(aud)
}

// RegisterTwoFactor adds a second-factor delivery method
func (s *Server) RegisterTwoFactor(h server.TwoFactorHandler) {
	s.Engine.TwoFactor.Register(h)
}

// Close stops the background workers of the engine and the handler
func (s *Server) Close() {
	s.Handler.Close()
	s.Engine.Close()
}
