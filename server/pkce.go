package server

import (
	"context"
	"crypto/subtle"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// supportedChallengeMethods lists the accepted code_challenge_method values
func (s *Server) supportedChallengeMethods() []string {
	if s.Config.AllowPKCEPlain {
		return []string{PKCEMethodS256, PKCEMethodPlain}
	}
	return []string{PKCEMethodS256}
}

// checkChallengeMethod validates the code_challenge_method of an authorization request.
// An empty method defaults to plain per RFC 7636.
func (s *Server) checkChallengeMethod(method string) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case "", PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("the code_challenge_method %s is not allowed", PKCEMethodPlain)
		}
		return nil
	default:
		return fmt.Errorf("the code_challenge_method %s is not supported", method)
	}
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE required for this flow
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		computedChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	case "", PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// verifyCodeVerifier runs validatePKCE for a token request and records failures
func (s *Server) verifyCodeVerifier(ctx context.Context, clientID, challenge, method, verifier string) *Error {
	if challenge != "" {
		instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), method)
	}

	err := s.validatePKCE(challenge, method, verifier)
	if err == nil {
		return nil
	}

	s.metrics().RecordPKCEValidationFailed(ctx, method)
	s.publish(security.EventPKCEValidationFailed, "", clientID, map[string]any{
		"method": method,
		"reason": err.Error(),
	})
	return NewError(ErrorCodeInvalidGrant, "the code verifier is not correct")
}
