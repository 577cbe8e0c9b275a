package server

import (
	"context"
	"errors"
	"time"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

type refreshTokenGrant struct {
	srv *Server
}

func (g *refreshTokenGrant) GrantType() string { return GrantTypeRefreshToken }

func (g *refreshTokenGrant) Validate(req *TokenRequest) *Error {
	if req.RefreshToken == "" {
		return errMissingParameter("refresh_token")
	}
	return nil
}

func (g *refreshTokenGrant) Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error) {
	s := g.srv

	// Ownership is checked before consuming so a foreign client cannot burn the token
	existing, err := s.stores.Tokens.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewError(ErrorCodeInvalidGrant, "the refresh token is not valid")
		}
		s.Logger.Error("Failed to load refresh token", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}
	if existing.ClientID != client.ClientID {
		s.Logger.Warn("Refresh token presented by another client",
			"client_id", client.ClientID,
			"token_client_id", existing.ClientID)
		s.publish(security.EventRefreshTokenClientMismatch, existing.Subject, client.ClientID, nil)
		return nil, NewError(ErrorCodeInvalidGrant, "the refresh token can be used only by the same issuer")
	}

	scopes := existing.Scopes
	if requested := util.ParseScopes(req.Scope); len(requested) > 0 {
		if invalid := util.Difference(requested, existing.Scopes); len(invalid) > 0 {
			return nil, errInvalidScopes(invalid)
		}
		scopes = requested
	}

	parent, err := s.stores.Tokens.ConsumeRefreshToken(ctx, req.RefreshToken)
	switch {
	case errors.Is(err, storage.ErrAlreadyConsumed):
		if !s.withinReuseGrace(parent) {
			s.Logger.Warn("Refresh token reuse detected, revoking tokens",
				"client_id", client.ClientID,
				"token", util.SafeTruncate(req.RefreshToken, tokenIDLogLength))
			s.metrics().RecordRefreshTokenReuseDetected(ctx)
			s.publish(security.EventRefreshTokenReuseDetected, existing.Subject, client.ClientID, nil)
			s.revokeAllTokens(ctx, existing.Subject, client.ClientID, "refresh_token_reuse")
			return nil, NewError(ErrorCodeInvalidGrant, "the refresh token has already been used")
		}
	case errors.Is(err, storage.ErrNotFound):
		return nil, NewError(ErrorCodeInvalidGrant, "the refresh token is not valid")
	case errors.Is(err, storage.ErrExpired):
		return nil, NewError(ErrorCodeInvalidGrant, "the refresh token has expired")
	case err != nil:
		s.Logger.Error("Failed to consume refresh token", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}

	var idClaims map[string]any
	if util.Contains(scopes, ScopeOpenID) {
		idClaims = parent.UserInfoPayload
	}

	return s.issueToken(ctx, issueParams{
		client:      client,
		subject:     parent.Subject,
		scopes:      scopes,
		withRefresh: true,
		withIDToken: idClaims != nil,
		idClaims:    idClaims,
		userInfo:    parent.UserInfoPayload,
		permissions: parent.Permissions,
		parentID:    parent.ID,
	})
}

// withinReuseGrace reports whether a consumed refresh token may still be redeemed
func (s *Server) withinReuseGrace(t *storage.GrantedToken) bool {
	if s.Config.RefreshTokenReuseGrace <= 0 || t == nil || t.ConsumedAt.IsZero() {
		return false
	}
	grace := time.Duration(s.Config.RefreshTokenReuseGrace) * time.Second
	return !s.now().After(t.ConsumedAt.Add(grace))
}
