package dotauth

import (
	"net/http"
	"testing"

	"github.com/jjrdk/dotauth/server"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name: "error with empty description",
			code: "server_error",
			want: "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromServerError(t *testing.T) {
	if FromServerError(nil) != nil {
		t.Error("FromServerError(nil) should be nil")
	}

	tests := []struct {
		name       string
		err        *server.Error
		wantStatus int
	}{
		{
			name:       "invalid client",
			err:        server.NewError(server.ErrorCodeInvalidClient, "the client doesn't exist"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "need info",
			err:        server.NewError(server.ErrorCodeNeedInfo, ""),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing status",
			err:        &server.Error{Code: server.ErrorCodeInvalidRequest},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromServerError(tt.err.WithState("xyz"))
			if got.Code != tt.err.Code || got.Description != tt.err.Description {
				t.Errorf("FromServerError() = %+v", got)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
			if got.State != "xyz" {
				t.Errorf("State = %q, want xyz", got.State)
			}
		})
	}
}

func TestOAuthError_Body(t *testing.T) {
	e := &OAuthError{
		Code:        server.ErrorCodeNeedInfo,
		Description: "claims are missing",
		State:       "abc",
		Details: map[string]any{
			"ticket": "t-1",
			"error":  "overridden",
		},
	}

	body := e.Body()
	if body["error"] != server.ErrorCodeNeedInfo {
		t.Errorf("error = %v, details must not override it", body["error"])
	}
	if body["ticket"] != "t-1" || body["state"] != "abc" || body["error_description"] != "claims are missing" {
		t.Errorf("Body() = %v", body)
	}

	bare := NewOAuthError(server.ErrorCodeInvalidGrant, "", http.StatusBadRequest).Body()
	if _, ok := bare["error_description"]; ok {
		t.Error("empty description must be omitted")
	}
	if _, ok := bare["state"]; ok {
		t.Error("empty state must be omitted")
	}
}

func TestCommonErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), server.ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid token", ErrInvalidToken("x"), server.ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"login required", ErrLoginRequired("x"), server.ErrorCodeLoginRequired, http.StatusUnauthorized},
		{"server error", ErrServerError("x"), server.ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode || tt.err.Status != tt.wantStatus {
				t.Errorf("got %s/%d, want %s/%d", tt.err.Code, tt.err.Status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}
