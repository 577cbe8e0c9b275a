package storage

import (
	"context"
	"time"
)

// ClientStore resolves registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrNotFound for unknown clients.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ScopeStore resolves the globally known scopes.
type ScopeStore interface {
	// GetScopes returns the subset of names that are known scopes.
	// Unknown names are silently omitted.
	GetScopes(ctx context.Context, names ...string) ([]*Scope, error)

	// ListScopes returns every known scope.
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// AuthorizationCodeStore persists issued authorization codes.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically redeems a code.
	// Returns the code if this caller is the first to redeem it. A replayed
	// code returns the original record together with ErrAlreadyConsumed so the
	// caller can revoke what was issued from it. Unknown codes return
	// ErrNotFound, expired codes ErrExpired, both with a nil record.
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange attacks.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists granted token sets.
type TokenStore interface {
	// SaveToken saves a granted token set, indexed by its access and refresh tokens
	SaveToken(ctx context.Context, token *GrantedToken) error

	// GetAccessToken retrieves a token set by its access token
	GetAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error)

	// GetRefreshToken retrieves a token set by its refresh token
	GetRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)

	// ConsumeRefreshToken atomically marks a refresh token as used.
	// A second redemption returns the stored record (with ConsumedAt set)
	// together with ErrAlreadyConsumed.
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh attacks.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)

	// RemoveAccessToken deletes the token set that owns the access token
	RemoveAccessToken(ctx context.Context, accessToken string) error

	// RemoveRefreshToken deletes the token set that owns the refresh token
	RemoveRefreshToken(ctx context.Context, refreshToken string) error

	// RevokeTokensFor removes every token set issued to subject through clientID.
	// Returns the number of token sets removed.
	RevokeTokensFor(ctx context.Context, subject, clientID string) (int, error)
}

// ConsentStore persists resource owner consents.
type ConsentStore interface {
	// GetConsentsForSubject lists the consents a resource owner has given
	GetConsentsForSubject(ctx context.Context, subject string) ([]*Consent, error)

	// SaveConsent stores a consent
	SaveConsent(ctx context.Context, consent *Consent) error

	// DeleteConsent removes a consent by id
	DeleteConsent(ctx context.Context, consentID string) error
}

// ResourceSetStore resolves UMA resource sets.
type ResourceSetStore interface {
	GetResourceSet(ctx context.Context, id string) (*ResourceSet, error)
}

// TicketStore persists UMA permission tickets.
type TicketStore interface {
	// SaveTicket stores a new ticket
	SaveTicket(ctx context.Context, ticket *Ticket) error

	// GetTicket retrieves a ticket by id
	GetTicket(ctx context.Context, id string) (*Ticket, error)

	// ApproveTicket atomically flags the ticket as authorized by its resource owner
	ApproveTicket(ctx context.Context, id string) (*Ticket, error)

	// ConsumeTicket atomically removes the ticket and returns it.
	// A concurrent second consumer observes ErrAlreadyConsumed or ErrNotFound.
	ConsumeTicket(ctx context.Context, id string) (*Ticket, error)

	// DeleteTicket removes a ticket without redeeming it
	DeleteTicket(ctx context.Context, id string) error

	// ListTicketsForOwner lists the pending tickets of a resource owner
	ListTicketsForOwner(ctx context.Context, owner string) ([]*Ticket, error)
}

// PolicyStore resolves UMA access policies.
type PolicyStore interface {
	// GetPoliciesForResourceSet returns the policies bound to a resource set
	GetPoliciesForResourceSet(ctx context.Context, resourceSetID string) ([]*Policy, error)
}

// ResourceOwnerStore resolves resource owners.
type ResourceOwnerStore interface {
	GetResourceOwner(ctx context.Context, subject string) (*ResourceOwner, error)
}

// ConfirmationCodeStore persists second-factor confirmation codes.
// Codes are keyed by the pair (subject, value).
type ConfirmationCodeStore interface {
	// SaveConfirmationCode stores a freshly generated code
	SaveConfirmationCode(ctx context.Context, code *ConfirmationCode) error

	// GetConfirmationCode retrieves a code without consuming it
	GetConfirmationCode(ctx context.Context, subject, value string) (*ConfirmationCode, error)

	// ConsumeConfirmationCode atomically removes an unexpired code.
	// Expired codes are left in place and return ErrExpired.
	ConsumeConfirmationCode(ctx context.Context, subject, value string) (*ConfirmationCode, error)

	// DeleteConfirmationCode removes a code without validating it
	DeleteConfirmationCode(ctx context.Context, subject, value string) error
}

// DeviceAuthorizationStore persists device authorization requests.
type DeviceAuthorizationStore interface {
	// SaveDeviceAuthorization stores a new pending device authorization
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization retrieves a device authorization by device code
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode retrieves a device authorization by user code
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// ApproveDeviceAuthorization atomically moves a pending request to approved.
	// Returns ErrInvalidTransition when the request is no longer pending.
	ApproveDeviceAuthorization(ctx context.Context, userCode, subject string) (*DeviceAuthorization, error)

	// DenyDeviceAuthorization atomically moves a pending request to denied.
	DenyDeviceAuthorization(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// TouchDeviceAuthorization records a poll at the given time and returns the
	// record as it was before the update.
	TouchDeviceAuthorization(ctx context.Context, deviceCode string, at time.Time) (*DeviceAuthorization, error)

	// ConsumeDeviceAuthorization atomically removes an approved request.
	// Returns ErrInvalidTransition if the request is not approved.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
}

// JWKSStore persists the server's signing keys.
type JWKSStore interface {
	// GetSigningKeys returns the persisted keys, newest first.
	GetSigningKeys(ctx context.Context) ([]*SigningKey, error)

	// SaveSigningKeys replaces the persisted key set.
	SaveSigningKeys(ctx context.Context, keys []*SigningKey) error
}
