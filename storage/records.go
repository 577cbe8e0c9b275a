package storage

import (
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Client secret types.
const (
	// SecretSharedSecret is a bcrypt hash of a client secret (basic and post methods)
	SecretSharedSecret = "shared_secret"

	// SecretHMACKey is the plaintext key used to verify client_secret_jwt assertions
	SecretHMACKey = "hmac_key"

	// SecretX509Thumbprint is the hex SHA-256 thumbprint of a client certificate
	SecretX509Thumbprint = "x509_thumbprint"

	// SecretX509Name is the expected subject distinguished name of a client certificate
	SecretX509Name = "x509_name"
)

// Scope types.
const (
	// ScopeTypeResourceOwner marks scopes granted on behalf of a resource owner
	ScopeTypeResourceOwner = "resource_owner"

	// ScopeTypeProtectedAPI marks scopes a client may obtain for itself
	ScopeTypeProtectedAPI = "protected_api"
)

// Device authorization states.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
)

// ClientSecret is one credential registered for a client.
type ClientSecret struct {
	Type  string
	Value string
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                       string
	ClientName                     string
	Secrets                        []ClientSecret
	JSONWebKeys                    jose.JSONWebKeySet // public keys for private_key_jwt and request objects
	GrantTypes                     []string
	ResponseTypes                  []string
	RedirectURIs                   []string
	AllowedScopes                  []string
	TokenEndpointAuthMethod        string
	RequirePKCE                    bool
	IDTokenSignedResponseAlg       string
	UserClaimsToIncludeInAuthToken []string
	CreatedAt                      time.Time
}

// SupportsGrantType reports whether the client registered the grant type
func (c *Client) SupportsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// SupportsResponseType reports whether the client registered the response type
func (c *Client) SupportsResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SecretsOfType returns the client's secrets of the given type
func (c *Client) SecretsOfType(secretType string) []string {
	var out []string
	for _, s := range c.Secrets {
		if s.Type == secretType {
			out = append(out, s.Value)
		}
	}
	return out
}

// Scope is a named permission known to the server.
type Scope struct {
	Name                 string
	Description          string
	IsExposed            bool // listed in discovery documents
	IsOpenIDScope        bool
	IsDisplayedInConsent bool
	Claims               []string
	Type                 string
}

// Claim is a single typed value asserted about a subject.
type Claim struct {
	Type  string
	Value string
}

// ExternalLogin links a resource owner to an upstream identity.
type ExternalLogin struct {
	Issuer  string
	Subject string
}

// ResourceOwner is an end user able to authenticate and grant access.
type ResourceOwner struct {
	Subject                 string
	PasswordHash            string // bcrypt hash
	Claims                  []Claim
	ExternalLogins          []ExternalLogin
	TwoFactorAuthentication string // name of the second-factor method, empty if disabled
	IsLocalAccount          bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ClaimValues returns every value of the given claim type
func (o *ResourceOwner) ClaimValues(claimType string) []string {
	var out []string
	for _, c := range o.Claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Subject             string
	Scopes              []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	IDTokenPayload      map[string]any
	UserInfoPayload     map[string]any
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ConsumedAt          time.Time
}

// Permission is one UMA permission embedded in a requesting party token.
type Permission struct {
	ResourceSetID string   `json:"resource_id"`
	Scopes        []string `json:"resource_scopes"`
	ExpiresAt     int64    `json:"exp,omitempty"`
}

// GrantedToken is a token set issued by the token endpoint.
type GrantedToken struct {
	ID                    string
	AccessToken           string
	RefreshToken          string
	ParentTokenID         string // token set whose refresh token minted this one
	IDToken               string
	Scopes                []string
	ClientID              string
	Subject               string
	TokenType             string
	ExpiresIn             int64
	CreatedAt             time.Time
	RefreshTokenExpiresAt time.Time
	ConsumedAt            time.Time // set when the refresh token was redeemed
	Permissions           []Permission
	UserInfoPayload       map[string]any
}

// ExpiresAt returns the access token expiry
func (t *GrantedToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Consent records the scopes and claims a resource owner granted a client.
type Consent struct {
	ID            string
	Subject       string
	ClientID      string
	GrantedScopes []string
	Claims        []string
	CreatedAt     time.Time
}

// ResourceSet is a resource registered by a resource server for UMA.
type ResourceSet struct {
	ID          string
	Owner       string
	Name        string
	Type        string
	IconURI     string
	Description string
	Scopes      []string
}

// TicketLine is the part of a ticket addressing one resource set.
type TicketLine struct {
	ResourceSetID string
	Scopes        []string
}

// Ticket is a pending UMA permission request.
type Ticket struct {
	ID               string
	ResourceOwner    string
	Lines            []TicketLine
	Requester        []Claim
	IsAuthorizedByRO bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// PolicyRule is one alternative within a policy.
type PolicyRule struct {
	ID                           string
	ClientIDsAllowed             []string // empty means any client
	Scopes                       []string
	Claims                       []Claim
	IsResourceOwnerConsentNeeded bool
	OpenIDProvider               string // where requesting parties obtain missing claims
}

// Policy grants access to one or more resource sets when any of its rules match.
type Policy struct {
	ID             string
	Owner          string
	ResourceSetIDs []string
	Rules          []PolicyRule
}

// DeviceAuthorization is a device authorization grant in progress.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	ClientID   string
	Scopes     []string
	Interval   int64 // minimum polling interval in seconds
	Status     string
	Subject    string // set on approval
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastPolled time.Time
}

// ConfirmationCode is a one-time second-factor code.
type ConfirmationCode struct {
	Value     string
	Subject   string
	Method    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SigningKey is a private signing key with its validity window.
type SigningKey struct {
	Key       jose.JSONWebKey
	CreatedAt time.Time
	NotAfter  time.Time // key is kept for verification until this time
}
