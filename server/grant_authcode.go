package server

import (
	"context"
	"errors"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

type authorizationCodeGrant struct {
	srv *Server
}

func (g *authorizationCodeGrant) GrantType() string { return GrantTypeAuthorizationCode }

func (g *authorizationCodeGrant) Validate(req *TokenRequest) *Error {
	switch {
	case req.Code == "":
		return errMissingParameter("code")
	case req.RedirectURI == "":
		return errMissingParameter("redirect_uri")
	}
	return nil
}

func (g *authorizationCodeGrant) Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error) {
	s := g.srv
	if !client.SupportsResponseType(ResponseTypeCode) {
		return nil, errResponseTypeNotSupported(client.ClientID, ResponseTypeCode)
	}

	// Consume first: the code is burned even when later checks fail
	code, err := s.stores.AuthorizationCodes.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrAlreadyConsumed):
		s.Logger.Warn("Authorization code reuse detected, revoking tokens",
			"client_id", client.ClientID,
			"code", util.SafeTruncate(req.Code, tokenIDLogLength))
		s.metrics().RecordCodeReuseDetected(ctx)
		if code != nil {
			s.publish(security.EventAuthorizationCodeReuseDetected, code.Subject, code.ClientID, nil)
			s.revokeAllTokens(ctx, code.Subject, code.ClientID, "authorization_code_reuse")
		}
		return nil, NewError(ErrorCodeInvalidGrant, "the authorization code has already been used")
	case errors.Is(err, storage.ErrNotFound):
		return nil, NewError(ErrorCodeInvalidGrant, "the authorization code is not correct")
	case errors.Is(err, storage.ErrExpired):
		return nil, NewError(ErrorCodeInvalidGrant, "the authorization code has expired")
	case err != nil:
		s.Logger.Error("Failed to consume authorization code", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}

	if code.ClientID != client.ClientID {
		s.Logger.Warn("Authorization code presented by another client",
			"client_id", client.ClientID,
			"code_client_id", code.ClientID)
		return nil, NewError(ErrorCodeInvalidGrant, "the authorization code has been issued for another client")
	}

	if code.RedirectURI != req.RedirectURI {
		return nil, NewError(ErrorCodeInvalidGrant, "the redirect_uri does not match the one of the authorization request")
	}

	if client.RequirePKCE && code.CodeChallenge == "" {
		return nil, Errorf(ErrorCodeInvalidGrant, "the client %s requires PKCE", client.ClientID)
	}
	if oerr := s.verifyCodeVerifier(ctx, client.ClientID, code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); oerr != nil {
		return nil, oerr
	}

	return s.issueToken(ctx, issueParams{
		client:      client,
		subject:     code.Subject,
		scopes:      code.Scopes,
		withRefresh: client.SupportsGrantType(GrantTypeRefreshToken),
		withIDToken: util.Contains(code.Scopes, ScopeOpenID),
		nonce:       code.Nonce,
		authTime:    code.AuthTime,
		idClaims:    code.IDTokenPayload,
		userInfo:    code.UserInfoPayload,
	})
}
