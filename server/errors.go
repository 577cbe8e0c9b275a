package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OAuth2, OpenID Connect and UMA2 error codes
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeInteractionRequired     = "interaction_required"
	ErrorCodeInvalidRequestObject    = "invalid_request_object"
	ErrorCodeInvalidRequestURI       = "invalid_request_uri"
	ErrorCodeInsufficientScope       = "insufficient_scope"

	// UMA2
	ErrorCodeInvalidTicket        = "invalid_ticket"
	ErrorCodeInvalidResourceSetID = "invalid_resource_set_id"
	ErrorCodeNeedInfo             = "need_info"
	ErrorCodeRequestSubmitted     = "request_submitted"

	// Device authorization grant (RFC 8628)
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
)

// Error is the typed failure result returned by every protocol operation.
// Expected business outcomes (bad parameters, denied policies, replays) are
// reported through Error values, never panics or raw store errors.
type Error struct {
	Code        string         `json:"error"`
	Description string         `json:"error_description,omitempty"`
	Status      int            `json:"-"`
	State       string         `json:"state,omitempty"`
	Details     map[string]any `json:"-"` // extra response members (UMA need_info)
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithState returns a copy of the error carrying the client's state value
func (e *Error) WithState(state string) *Error {
	c := *e
	c.State = state
	return &c
}

// NewError creates an Error with the HTTP status conventionally used for code
func NewError(code, description string) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      statusForCode(code),
	}
}

// Errorf creates an Error with a formatted description
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied, ErrorCodeNeedInfo, ErrorCodeRequestSubmitted, ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Messages shared by several components.
func errMissingParameter(name string) *Error {
	return Errorf(ErrorCodeInvalidRequest, "the parameter %s is missing", name)
}

func errClientNotFound() *Error {
	return NewError(ErrorCodeInvalidClient, "the client doesn't exist")
}

func errGrantTypeNotSupported(clientID, grantType string) *Error {
	return Errorf(ErrorCodeInvalidClient, "the client %s doesn't support the grant type %s", clientID, grantType)
}

func errResponseTypeNotSupported(clientID, responseType string) *Error {
	return Errorf(ErrorCodeInvalidClient, "the client %s doesn't support the response type %s", clientID, responseType)
}

func errInvalidScopes(scopes []string) *Error {
	return Errorf(ErrorCodeInvalidScope, "the scopes %s are not allowed or invalid", strings.Join(scopes, ","))
}

func errTicketNotFound(id string) *Error {
	return Errorf(ErrorCodeInvalidTicket, "the ticket %s doesn't exist", id)
}

// errAborted reports a request whose context ended before it completed.
// Nothing is issued once it is returned.
func errAborted(ctx context.Context) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(ErrorCodeServerError, "the request timed out")
	}
	return NewError(ErrorCodeServerError, "the request was cancelled")
}

// errInternal hides a store or library failure behind a generic server_error
func errInternal() *Error {
	return NewError(ErrorCodeServerError, "an internal error occurred")
}
