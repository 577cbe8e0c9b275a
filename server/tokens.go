package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// Token type hints (RFC 7009, RFC 7662)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"

	// TokenTypeBearer is the token_type of every issued access token
	TokenTypeBearer = "Bearer"
)

// TokenResponse is the successful token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func newTokenResponse(t *storage.GrantedToken) *TokenResponse {
	return &TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
		Scope:        util.JoinScopes(t.Scopes),
	}
}

// IntrospectionResponse is the RFC 7662 introspection result. Inactive
// tokens carry no other member.
type IntrospectionResponse struct {
	Active      bool                 `json:"active"`
	Scope       string               `json:"scope,omitempty"`
	ClientID    string               `json:"client_id,omitempty"`
	TokenType   string               `json:"token_type,omitempty"`
	Exp         int64                `json:"exp,omitempty"`
	Iat         int64                `json:"iat,omitempty"`
	Sub         string               `json:"sub,omitempty"`
	Aud         string               `json:"aud,omitempty"`
	Iss         string               `json:"iss,omitempty"`
	Permissions []storage.Permission `json:"permissions,omitempty"`
}

// issueParams describes a token set to mint
type issueParams struct {
	client      *storage.Client
	subject     string
	scopes      []string
	withRefresh bool
	withIDToken bool
	nonce       string
	authTime    time.Time
	idClaims    map[string]any // extra id token claims
	userInfo    map[string]any // claims released for the userinfo endpoint
	permissions []storage.Permission
	parentID    string
}

// issueToken mints, signs and persists a token set
func (s *Server) issueToken(ctx context.Context, p issueParams) (*storage.GrantedToken, *Error) {
	now := s.now()
	expiresIn := s.Config.AccessTokenTTL

	access := jwt.MapClaims{
		"iss":       s.Config.Issuer,
		"sub":       p.subject,
		"aud":       p.client.ClientID,
		"client_id": p.client.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(time.Duration(expiresIn) * time.Second).Unix(),
		"jti":       uuid.NewString(),
	}
	if len(p.scopes) > 0 {
		access["scope"] = util.JoinScopes(p.scopes)
	}
	if len(p.permissions) > 0 {
		access["permissions"] = p.permissions
	}
	for _, name := range p.client.UserClaimsToIncludeInAuthToken {
		if v, ok := p.userInfo[name]; ok {
			if _, reserved := access[name]; !reserved {
				access[name] = v
			}
		}
	}

	accessToken, err := s.Keys.Sign(access)
	if err != nil {
		s.Logger.Error("Failed to sign access token", "client_id", p.client.ClientID, "error", err)
		return nil, errInternal()
	}

	token := &storage.GrantedToken{
		ID:              uuid.NewString(),
		AccessToken:     accessToken,
		ParentTokenID:   p.parentID,
		Scopes:          p.scopes,
		ClientID:        p.client.ClientID,
		Subject:         p.subject,
		TokenType:       TokenTypeBearer,
		ExpiresIn:       expiresIn,
		CreatedAt:       now,
		Permissions:     p.permissions,
		UserInfoPayload: p.userInfo,
	}

	if p.withRefresh {
		token.RefreshToken = generateRandomToken()
		token.RefreshTokenExpiresAt = now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)
	}

	if p.withIDToken {
		idToken, oerr := s.signIDToken(p, now)
		if oerr != nil {
			return nil, oerr
		}
		token.IDToken = idToken
	}

	if ctx.Err() != nil {
		return nil, errAborted(ctx)
	}
	if err := s.stores.Tokens.SaveToken(ctx, token); err != nil {
		if ctx.Err() != nil {
			return nil, errAborted(ctx)
		}
		s.Logger.Error("Failed to save token", "client_id", p.client.ClientID, "error", err)
		return nil, errInternal()
	}
	return token, nil
}

func (s *Server) signIDToken(p issueParams, now time.Time) (string, *Error) {
	claims := jwt.MapClaims{}
	for k, v := range p.idClaims {
		claims[k] = v
	}
	claims["iss"] = s.Config.Issuer
	claims["sub"] = p.subject
	claims["aud"] = []string{p.client.ClientID}
	claims["azp"] = p.client.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second).Unix()
	if !p.authTime.IsZero() {
		claims["auth_time"] = p.authTime.Unix()
	}
	if p.nonce != "" {
		claims["nonce"] = p.nonce
	}

	signed, err := s.Keys.Sign(claims)
	if err != nil {
		s.Logger.Error("Failed to sign id token", "client_id", p.client.ClientID, "error", err)
		return "", errInternal()
	}
	return signed, nil
}

// verifyIDToken accepts only ID tokens this server issued to clientID.
// Access tokens carry no azp claim and are refused.
func (s *Server) verifyIDToken(raw, clientID string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	claims, err := s.Keys.Verify(raw, opts...)
	if err != nil {
		return nil, err
	}
	if azp, _ := claims["azp"].(string); azp == "" {
		return nil, errors.New("not an id token: azp is missing")
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(aud, clientID) {
		return nil, fmt.Errorf("id token audience %v does not include %s", []string(aud), clientID)
	}
	return claims, nil
}

// claimsForScopes collects the resource owner claims the scopes release
func (s *Server) claimsForScopes(ctx context.Context, subject string, scopes []string) (map[string]any, error) {
	owner, err := s.stores.ResourceOwners.GetResourceOwner(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	defs, err := s.stores.Scopes.GetScopes(ctx, scopes...)
	if err != nil {
		return nil, err
	}

	claims := map[string]any{}
	for _, def := range defs {
		for _, claimType := range def.Claims {
			values := owner.ClaimValues(claimType)
			switch len(values) {
			case 0:
			case 1:
				claims[claimType] = values[0]
			default:
				claims[claimType] = values
			}
		}
	}
	return claims, nil
}

// lookupToken finds a token set by access or refresh token. The hint only
// selects which index is searched first.
func (s *Server) lookupToken(ctx context.Context, token, hint string) (*storage.GrantedToken, string, error) {
	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if hint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		var (
			found *storage.GrantedToken
			err   error
		)
		if kind == TokenTypeHintAccessToken {
			found, err = s.stores.Tokens.GetAccessToken(ctx, token)
		} else {
			found, err = s.stores.Tokens.GetRefreshToken(ctx, token)
		}
		if err == nil {
			return found, kind, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", storage.ErrNotFound
}

// Introspect reports the state of an access or refresh token (RFC 7662)
func (s *Server) Introspect(ctx context.Context, creds ClientCredentials, token, hint string) (*IntrospectionResponse, *Error) {
	ctx, span := s.startSpan(ctx, "Introspect")
	defer span.End()

	if token == "" {
		return nil, errMissingParameter("token")
	}
	if _, oerr := s.AuthenticateClient(ctx, creds, s.Config.Issuer+EndpointIntrospection); oerr != nil {
		return nil, oerr
	}

	found, kind, err := s.lookupToken(ctx, token, hint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &IntrospectionResponse{Active: false}, nil
		}
		s.Logger.Error("Failed to look up token", "error", err)
		return nil, errInternal()
	}

	resp := s.introspection(found, kind)
	instrumentation.AddOAuthFlowAttributes(span, found.ClientID, found.Subject, "")
	return resp, nil
}

// IntrospectRPT reports the state of a requesting party token. Tokens that
// carry no permission are never active.
func (s *Server) IntrospectRPT(ctx context.Context, creds ClientCredentials, token string) (*IntrospectionResponse, *Error) {
	ctx, span := s.startSpan(ctx, "IntrospectRPT")
	defer span.End()

	if token == "" {
		return nil, errMissingParameter("token")
	}
	if _, oerr := s.AuthenticateClient(ctx, creds, s.Config.Issuer+EndpointRPTIntrospection); oerr != nil {
		return nil, oerr
	}

	found, err := s.stores.Tokens.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &IntrospectionResponse{Active: false}, nil
		}
		s.Logger.Error("Failed to look up RPT", "error", err)
		return nil, errInternal()
	}

	resp := s.introspection(found, TokenTypeHintAccessToken)
	if !resp.Active || len(found.Permissions) == 0 {
		return &IntrospectionResponse{Active: false}, nil
	}
	resp.Permissions = found.Permissions
	return resp, nil
}

// ValidateAccessToken resolves a bearer token presented to a protected
// endpoint and checks it carries every required scope
func (s *Server) ValidateAccessToken(ctx context.Context, token string, requiredScopes ...string) (*storage.GrantedToken, *Error) {
	if token == "" {
		return nil, NewError(ErrorCodeInvalidToken, "the access token is missing")
	}
	found, err := s.stores.Tokens.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewError(ErrorCodeInvalidToken, "the access token is not valid")
		}
		s.Logger.Error("Failed to look up access token", "error", err)
		return nil, errInternal()
	}
	if security.IsExpiredWithGracePeriod(s.now(), found.ExpiresAt(), 0) {
		return nil, NewError(ErrorCodeInvalidToken, "the access token has expired")
	}
	if missing := util.Difference(requiredScopes, found.Scopes); len(missing) > 0 {
		return nil, Errorf(ErrorCodeInsufficientScope, "the access token lacks the scopes %s", strings.Join(missing, " "))
	}
	return found, nil
}

func (s *Server) introspection(t *storage.GrantedToken, kind string) *IntrospectionResponse {
	now := s.now()
	expiresAt := t.ExpiresAt()
	if kind == TokenTypeHintRefreshToken {
		if !t.ConsumedAt.IsZero() {
			return &IntrospectionResponse{Active: false}
		}
		expiresAt = t.RefreshTokenExpiresAt
	}
	if security.IsExpiredWithGracePeriod(now, expiresAt, 0) {
		return &IntrospectionResponse{Active: false}
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     util.JoinScopes(t.Scopes),
		ClientID:  t.ClientID,
		TokenType: t.TokenType,
		Exp:       expiresAt.Unix(),
		Iat:       t.CreatedAt.Unix(),
		Sub:       t.Subject,
		Aud:       t.ClientID,
		Iss:       s.Config.Issuer,
	}
}

// RevokeToken revokes an access or refresh token (RFC 7009). Revoking an
// unknown token succeeds.
func (s *Server) RevokeToken(ctx context.Context, creds ClientCredentials, token, hint string) *Error {
	ctx, span := s.startSpan(ctx, "RevokeToken")
	defer span.End()

	if token == "" {
		return errMissingParameter("token")
	}
	client, oerr := s.AuthenticateClient(ctx, creds, s.Config.Issuer+EndpointRevocation)
	if oerr != nil {
		return oerr
	}

	found, kind, err := s.lookupToken(ctx, token, hint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		s.Logger.Error("Failed to look up token", "error", err)
		return errInternal()
	}

	if found.ClientID != client.ClientID {
		return Errorf(ErrorCodeInvalidRequest, "the token has not been issued for the given client id %s", client.ClientID)
	}

	if kind == TokenTypeHintAccessToken {
		err = s.stores.Tokens.RemoveAccessToken(ctx, token)
	} else {
		err = s.stores.Tokens.RemoveRefreshToken(ctx, token)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("Failed to revoke token", "client_id", client.ClientID, "error", err)
		return errInternal()
	}

	s.metrics().RecordTokenRevocation(ctx, client.ClientID)
	s.publish(security.EventTokenRevoked, found.Subject, client.ClientID, map[string]any{
		"token_type_hint": kind,
	})
	instrumentation.SetSpanSuccess(span)
	return nil
}

// revokeAllTokens removes every token set of a subject and client after a
// replayed code or refresh token
func (s *Server) revokeAllTokens(ctx context.Context, subject, clientID, reason string) {
	n, err := s.stores.Tokens.RevokeTokensFor(ctx, subject, clientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens", "client_id", clientID, "error", err)
		return
	}
	s.publish(security.EventAllTokensRevoked, subject, clientID, map[string]any{
		"reason":  reason,
		"revoked": n,
	})
}
