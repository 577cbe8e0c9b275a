package security

// Event type constants for security audit logging and the engine's event
// publisher. These constants ensure consistency across the codebase and
// prevent typos when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant handler issues a token set
	EventTokenIssued = "token_issued"

	// EventTokenDenied is logged when a grant handler refuses to issue tokens
	EventTokenDenied = "token_denied"

	// EventTokenRevoked is logged when a token is revoked by its client
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every token of a subject and client is revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is replayed
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventConsentGiven is logged when a resource owner consents to a client
	EventConsentGiven = "consent_given"

	// Security violation events

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventRefreshTokenClientMismatch is logged when a refresh token is presented by another client
	EventRefreshTokenClientMismatch = "refresh_token_client_mismatch" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventInvalidSignature is logged when a client assertion, request object or hint fails verification
	EventInvalidSignature = "invalid_signature"

	// UMA events

	// EventPermissionRequested is logged when a resource server obtains a ticket
	EventPermissionRequested = "uma_permission_requested"

	// EventTicketApproved is logged when a resource owner approves a ticket
	EventTicketApproved = "uma_ticket_approved"

	// EventTicketDenied is logged when a resource owner rejects a ticket
	EventTicketDenied = "uma_ticket_denied"

	// EventPolicyDenied is logged when no policy rule authorizes a ticket
	EventPolicyDenied = "uma_policy_denied"

	// Device and second factor events

	// EventDeviceAuthorizationStarted is logged when a device obtains a user code
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceAuthorizationApproved is logged when a user approves a device
	EventDeviceAuthorizationApproved = "device_authorization_approved"

	// EventDeviceAuthorizationDenied is logged when a user denies a device
	EventDeviceAuthorizationDenied = "device_authorization_denied"

	// EventConfirmationCodeSent is logged when a second-factor code is delivered
	EventConfirmationCodeSent = "confirmation_code_sent"

	// EventConfirmationCodeRejected is logged when a second-factor code fails validation
	EventConfirmationCodeRejected = "confirmation_code_rejected"

	// Operational events

	// EventSigningKeyRotated is logged when the active signing key changes
	EventSigningKeyRotated = "signing_key_rotated"
)
