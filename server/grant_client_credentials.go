package server

import (
	"context"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/storage"
)

type clientCredentialsGrant struct {
	srv *Server
}

func (g *clientCredentialsGrant) GrantType() string { return GrantTypeClientCredentials }

func (g *clientCredentialsGrant) Validate(req *TokenRequest) *Error {
	if req.Scope == "" {
		return errMissingParameter("scope")
	}
	return nil
}

func (g *clientCredentialsGrant) Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error) {
	s := g.srv
	if !client.SupportsResponseType(ResponseTypeToken) {
		return nil, errResponseTypeNotSupported(client.ClientID, ResponseTypeToken)
	}

	// A client acting for itself may only obtain protected API scopes
	scopes := util.ParseScopes(req.Scope)
	if _, oerr := s.validateScopes(ctx, client, scopes, storage.ScopeTypeProtectedAPI); oerr != nil {
		return nil, oerr
	}

	return s.issueToken(ctx, issueParams{
		client:  client,
		subject: client.ClientID,
		scopes:  scopes,
	})
}
