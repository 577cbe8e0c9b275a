package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// ScopeClaimType is the resource owner claim listing the scopes the owner may grant
const ScopeClaimType = "scope"

// ErrInvalidCredentials is returned by a ResourceOwnerAuthenticator when the
// username or password is wrong
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// ResourceOwnerAuthenticator verifies resource owner credentials
type ResourceOwnerAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*storage.ResourceOwner, error)
}

// PasswordAuthenticator checks passwords against the bcrypt hashes of local accounts
type PasswordAuthenticator struct {
	Owners storage.ResourceOwnerStore
}

// Authenticate implements ResourceOwnerAuthenticator
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, username, password string) (*storage.ResourceOwner, error) {
	owner, err := a.Owners.GetResourceOwner(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load resource owner: %w", err)
	}
	if !owner.IsLocalAccount || owner.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return owner, nil
}

type passwordGrant struct {
	srv *Server
}

func (g *passwordGrant) GrantType() string { return GrantTypePassword }

func (g *passwordGrant) Validate(req *TokenRequest) *Error {
	switch {
	case req.Username == "":
		return errMissingParameter("username")
	case req.Password == "":
		return errMissingParameter("password")
	case req.Scope == "":
		return errMissingParameter("scope")
	}
	return nil
}

func (g *passwordGrant) Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error) {
	s := g.srv
	scopes := util.ParseScopes(req.Scope)
	if _, oerr := s.validateScopes(ctx, client, scopes); oerr != nil {
		return nil, oerr
	}

	owner, err := s.OwnerAuthenticator.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			s.Logger.Error("Resource owner authentication failed", "client_id", client.ClientID, "error", err)
			return nil, errInternal()
		}
		s.recordOwnerAuthFailure(req.Username, client.ClientID)
		return nil, NewError(ErrorCodeInvalidGrant, "resource owner credentials are not valid")
	}

	// Owners restricted through scope claims may only grant those scopes
	if allowed := owner.ClaimValues(ScopeClaimType); len(allowed) > 0 {
		if invalid := util.Difference(scopes, allowed); len(invalid) > 0 {
			return nil, errInvalidScopes(invalid)
		}
	}

	userInfo, err := s.claimsForScopes(ctx, owner.Subject, scopes)
	if err != nil {
		s.Logger.Error("Failed to resolve claims", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}

	return s.issueToken(ctx, issueParams{
		client:      client,
		subject:     owner.Subject,
		scopes:      scopes,
		withRefresh: client.SupportsGrantType(GrantTypeRefreshToken),
		withIDToken: util.Contains(scopes, ScopeOpenID),
		authTime:    s.now(),
		idClaims:    userInfo,
		userInfo:    userInfo,
	})
}

func (s *Server) recordOwnerAuthFailure(subject, clientID string) {
	s.publish(security.EventAuthFailure, subject, clientID, map[string]any{"reason": "invalid_resource_owner_credentials"})
}
