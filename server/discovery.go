package server

import (
	"context"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/storage"
)

// Endpoint paths, relative to the issuer
const (
	EndpointAuthorization       = "/authorization"
	EndpointToken               = "/token"
	EndpointRevocation          = "/token/revoke"
	EndpointIntrospection       = "/introspect"
	EndpointRPTIntrospection    = "/rpt/introspect"
	EndpointPermission          = "/perm"
	EndpointPermissionBulk      = "/perm/bulk"
	EndpointDeviceAuthorization = "/device_authorization"
	EndpointDevice              = "/device"
	EndpointJWKS                = "/jwks"
	EndpointOpenIDConfiguration = "/.well-known/openid-configuration"
	EndpointUMAConfiguration    = "/.well-known/uma2-configuration"
)

// OpenIDConfiguration is the OpenID Provider metadata document
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported             []string `json:"prompt_values_supported"`
	RequestParameterSupported         bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported      bool     `json:"request_uri_parameter_supported"`
	ClaimsParameterSupported          bool     `json:"claims_parameter_supported"`
}

// UMAConfiguration is the UMA2 authorization server metadata document
type UMAConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	PermissionEndpoint                string   `json:"permission_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	UMAProfilesSupported              []string `json:"uma_profiles_supported"`
	ClaimTokenProfilesSupported       []string `json:"claim_token_profiles_supported"`
}

// OpenIDConfiguration builds the discovery document from the configuration
// and the exposed scopes
func (s *Server) OpenIDConfiguration(ctx context.Context) (*OpenIDConfiguration, *Error) {
	scopes, claims, oerr := s.exposedScopes(ctx)
	if oerr != nil {
		return nil, oerr
	}

	issuer := s.Config.Issuer
	return &OpenIDConfiguration{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + EndpointAuthorization,
		TokenEndpoint:               issuer + EndpointToken,
		RevocationEndpoint:          issuer + EndpointRevocation,
		IntrospectionEndpoint:       issuer + EndpointIntrospection,
		DeviceAuthorizationEndpoint: issuer + EndpointDeviceAuthorization,
		JWKSURI:                     issuer + EndpointJWKS,
		ScopesSupported:             scopes,
		ClaimsSupported:             claims,
		ResponseTypesSupported: []string{
			ResponseTypeCode,
			ResponseTypeToken,
			ResponseTypeIDToken,
			ResponseTypeCode + " " + ResponseTypeIDToken,
			ResponseTypeCode + " " + ResponseTypeToken,
			ResponseTypeIDToken + " " + ResponseTypeToken,
			ResponseTypeCode + " " + ResponseTypeIDToken + " " + ResponseTypeToken,
		},
		ResponseModesSupported:            supportedResponseModes,
		GrantTypesSupported:               s.SupportedGrantTypes(),
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{s.Keys.Algorithm()},
		TokenEndpointAuthMethodsSupported: SupportedAuthMethods,
		CodeChallengeMethodsSupported:     s.supportedChallengeMethods(),
		PromptValuesSupported:             supportedPrompts,
		RequestParameterSupported:         true,
		RequestURIParameterSupported:      true,
	}, nil
}

// UMAConfiguration builds the UMA2 discovery document
func (s *Server) UMAConfiguration(ctx context.Context) (*UMAConfiguration, *Error) {
	scopes, _, oerr := s.exposedScopes(ctx)
	if oerr != nil {
		return nil, oerr
	}

	issuer := s.Config.Issuer
	return &UMAConfiguration{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + EndpointAuthorization,
		TokenEndpoint:                     issuer + EndpointToken,
		IntrospectionEndpoint:             issuer + EndpointRPTIntrospection,
		PermissionEndpoint:                issuer + EndpointPermission,
		JWKSURI:                           issuer + EndpointJWKS,
		ScopesSupported:                   scopes,
		GrantTypesSupported:               s.SupportedGrantTypes(),
		ResponseTypesSupported:            supportedResponseTypes,
		TokenEndpointAuthMethodsSupported: SupportedAuthMethods,
		UMAProfilesSupported:              []string{},
		ClaimTokenProfilesSupported:       []string{ClaimTokenFormatIDToken},
	}, nil
}

func (s *Server) exposedScopes(ctx context.Context) ([]string, []string, *Error) {
	all, err := s.stores.Scopes.ListScopes(ctx)
	if err != nil {
		s.Logger.Error("Failed to list scopes", "error", err)
		return nil, nil, errInternal()
	}

	var exposed []*storage.Scope
	for _, sc := range all {
		if sc.IsExposed {
			exposed = append(exposed, sc)
		}
	}

	var claims []string
	for _, sc := range exposed {
		claims = append(claims, sc.Claims...)
	}
	return scopeNames(exposed), util.Unique(claims), nil
}
