package dotauth

import (
	"fmt"
	"net/http"

	"github.com/jjrdk/dotauth/server"
)

// ErrorCodeRateLimitExceeded is raised by the HTTP layer itself. Protocol
// errors use the server.ErrorCode constants.
const ErrorCodeRateLimitExceeded = "rate_limit_exceeded"

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string         // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string         // Human-readable error description
	Status      int            // HTTP status code
	State       string         // client state echoed on authorization errors
	Details     map[string]any // extra response members, e.g. UMA need_info
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromServerError converts an engine error. A missing status defaults to 400.
func FromServerError(err *server.Error) *OAuthError {
	if err == nil {
		return nil
	}
	status := err.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &OAuthError{
		Code:        err.Code,
		Description: err.Description,
		Status:      status,
		State:       err.State,
		Details:     err.Details,
	}
}

// Body returns the JSON members of the error response. Details never
// override the standard members.
func (e *OAuthError) Body() map[string]any {
	body := make(map[string]any, len(e.Details)+3)
	for k, v := range e.Details {
		body[k] = v
	}
	body["error"] = e.Code
	if e.Description != "" {
		body["error_description"] = e.Description
	}
	if e.State != "" {
		body["state"] = e.State
	}
	return body
}

// Common errors of the HTTP layer
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(server.ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the bearer token is missing or invalid
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(server.ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrLoginRequired indicates the endpoint needs an authenticated end user
	ErrLoginRequired = func(desc string) *OAuthError {
		return NewOAuthError(server.ErrorCodeLoginRequired, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal failure
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(server.ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
