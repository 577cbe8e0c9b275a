package server

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/storage"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed as redirect targets
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}
)

// validateRedirectURI validates that a redirect URI is well formed and registered
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("the redirect_uri %s is not well formed", redirectURI)
	}
	if !u.IsAbs() {
		return fmt.Errorf("the redirect_uri %s is not absolute", redirectURI)
	}
	if u.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("the redirect_uri %s must not contain a fragment", redirectURI)
	}
	if slices.Contains(DangerousSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("the redirect_uri scheme %s is not allowed", u.Scheme)
	}

	// Exact string match only; prefix matching enables open redirects
	if !client.HasRedirectURI(redirectURI) {
		return fmt.Errorf("the redirect_uri %s is not registered for the client", redirectURI)
	}
	return nil
}

// validateScopes checks the requested scopes against the client's allowed
// scopes and the scope store. When scopeTypes is non-empty every scope must
// be of one of those types. Offending scopes are listed in the error.
func (s *Server) validateScopes(ctx context.Context, client *storage.Client, requested []string, scopeTypes ...string) ([]*storage.Scope, *Error) {
	if len(requested) == 0 {
		return nil, NewError(ErrorCodeInvalidScope, "no scope was requested")
	}

	invalid := util.Difference(requested, client.AllowedScopes)

	known, err := s.stores.Scopes.GetScopes(ctx, requested...)
	if err != nil {
		s.Logger.Error("Failed to load scopes", "error", err)
		return nil, errInternal()
	}

	byName := make(map[string]*storage.Scope, len(known))
	for _, sc := range known {
		byName[sc.Name] = sc
	}
	for _, name := range requested {
		sc, ok := byName[name]
		switch {
		case !ok:
			invalid = append(invalid, name)
		case len(scopeTypes) > 0 && !slices.Contains(scopeTypes, sc.Type):
			invalid = append(invalid, name)
		}
	}

	if invalid = util.Unique(invalid); len(invalid) > 0 {
		return nil, errInvalidScopes(invalid)
	}
	return known, nil
}

// scopeNames returns the names of scopes
func scopeNames(scopes []*storage.Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		names = append(names, sc.Name)
	}
	return names
}
