package server

import (
	"context"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// Grant types
const (
	GrantTypePassword          = "password"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeUMATicket         = "urn:ietf:params:oauth:grant-type:uma-ticket"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// TokenRequest carries the token endpoint parameters of every grant type
type TokenRequest struct {
	GrantType   string
	Credentials ClientCredentials

	Scope string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// password
	Username string
	Password string

	// refresh_token
	RefreshToken string

	// uma-ticket
	Ticket           string
	ClaimToken       string
	ClaimTokenFormat string

	// device_code
	DeviceCode string
}

// GrantHandler implements one grant type of the token endpoint.
// Validate checks the request shape before the client is authenticated;
// Handle runs with the authenticated client.
type GrantHandler interface {
	GrantType() string
	Validate(req *TokenRequest) *Error
	Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error)
}

// Token dispatches a token request to the handler of its grant type
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *Error) {
	ctx, span := s.startSpan(ctx, "Token")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.GrantType)

	token, oerr := s.token(ctx, req)
	if oerr != nil {
		s.metrics().RecordGrantDenied(ctx, req.GrantType, oerr.Code)
		s.publish(security.EventTokenDenied, "", req.Credentials.ClientID, map[string]any{
			"grant_type": req.GrantType,
			"error":      oerr.Code,
		})
		instrumentation.SetSpanError(span, oerr.Code)
		return nil, oerr
	}

	s.metrics().RecordTokenIssued(ctx, token.ClientID, req.GrantType)
	s.publish(security.EventTokenIssued, token.Subject, token.ClientID, map[string]any{
		"grant_type": req.GrantType,
		"scope":      newTokenResponse(token).Scope,
	})
	instrumentation.AddOAuthFlowAttributes(span, token.ClientID, token.Subject, "")
	instrumentation.SetSpanSuccess(span)

	return newTokenResponse(token), nil
}

func (s *Server) token(ctx context.Context, req *TokenRequest) (token *storage.GrantedToken, oerr *Error) {
	if req.GrantType == "" {
		return nil, errMissingParameter("grant_type")
	}
	handler, ok := s.grants[req.GrantType]
	if !ok {
		return nil, Errorf(ErrorCodeUnsupportedGrantType, "the grant type %s is not supported", req.GrantType)
	}

	if oerr := handler.Validate(req); oerr != nil {
		return nil, oerr
	}

	if ctx.Err() != nil {
		return nil, errAborted(ctx)
	}
	client, oerr := s.AuthenticateClient(ctx, req.Credentials, s.Config.Issuer+EndpointToken)
	if oerr != nil {
		if ctx.Err() != nil {
			return nil, errAborted(ctx)
		}
		return nil, oerr
	}

	if !client.SupportsGrantType(req.GrantType) {
		return nil, errGrantTypeNotSupported(client.ClientID, req.GrantType)
	}

	// single-use records are consumed by Handle
	if ctx.Err() != nil {
		return nil, errAborted(ctx)
	}
	token, oerr = handler.Handle(ctx, client, req)
	if oerr != nil && ctx.Err() != nil {
		return nil, errAborted(ctx)
	}
	return token, oerr
}
