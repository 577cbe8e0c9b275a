package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jjrdk/dotauth/internal/testutil"
	"github.com/jjrdk/dotauth/security"
)

const deviceClientID = "device-client"

func newDeviceEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	client := testutil.GenerateTestClient()
	client.ClientID = deviceClientID
	client.GrantTypes = []string{GrantTypeDeviceCode, GrantTypeRefreshToken}
	env.saveClient(t, client)
	return env
}

func deviceCredentials() ClientCredentials {
	return ClientCredentials{ClientID: deviceClientID, ClientSecret: testutil.TestClientSecret, BasicAuth: true}
}

func devicePoll(deviceCode string) *TokenRequest {
	return &TokenRequest{GrantType: GrantTypeDeviceCode, Credentials: deviceCredentials(), DeviceCode: deviceCode}
}

func TestStartDeviceAuthorization(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := context.Background()

	resp, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid profile")
	assertNoOAuthError(t, oerr)

	if resp.DeviceCode == "" || len(resp.UserCode) != userCodeLength {
		t.Errorf("response = %+v", resp)
	}
	if strings.Trim(resp.UserCode, userCodeAlphabet) != "" {
		t.Errorf("user code %q uses characters outside the alphabet", resp.UserCode)
	}
	if resp.VerificationURI != testIssuer+EndpointDevice {
		t.Errorf("VerificationURI = %q", resp.VerificationURI)
	}
	if resp.VerificationURIComplete != resp.VerificationURI+"?user_code="+resp.UserCode {
		t.Errorf("VerificationURIComplete = %q", resp.VerificationURIComplete)
	}
	if resp.Interval != 5 || resp.ExpiresIn != 1800 {
		t.Errorf("Interval = %d, ExpiresIn = %d", resp.Interval, resp.ExpiresIn)
	}
	if !env.events.has(security.EventDeviceAuthorizationStarted) {
		t.Error("expected a device authorization started event")
	}

	t.Run("client without the grant", func(t *testing.T) {
		_, oerr := env.srv.StartDeviceAuthorization(ctx, basicCredentials(), "openid")
		assertErrorCode(t, oerr, ErrorCodeInvalidClient)
	})

	t.Run("unknown scope", func(t *testing.T) {
		_, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid unknown")
		assertErrorCode(t, oerr, ErrorCodeInvalidScope)
	})
}

func TestDeviceCodeGrant_Approved(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := context.Background()

	resp, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid profile")
	assertNoOAuthError(t, oerr)

	_, oerr = env.srv.Token(ctx, devicePoll(resp.DeviceCode))
	assertErrorCode(t, oerr, ErrorCodeAuthorizationPending)

	// the user may type the code in lower case with a separator
	typed := strings.ToLower(resp.UserCode[:4] + "-" + resp.UserCode[4:])
	assertErrorCode(t, env.srv.ApproveDevice(ctx, typed, ""), ErrorCodeAccessDenied)
	assertNoOAuthError(t, env.srv.ApproveDevice(ctx, typed, testutil.TestSubject))
	assertErrorCode(t, env.srv.ApproveDevice(ctx, typed, testutil.TestSubject), ErrorCodeInvalidRequest)

	env.clock.Advance(6 * time.Second)
	token, oerr := env.srv.Token(ctx, devicePoll(resp.DeviceCode))
	assertNoOAuthError(t, oerr)
	if token.IDToken == "" || token.RefreshToken == "" {
		t.Errorf("expected id and refresh tokens, got %+v", token)
	}

	claims, err := env.srv.Keys.Verify(token.AccessToken)
	testutil.AssertNoError(t, err)
	if claims["sub"] != testutil.TestSubject {
		t.Errorf("sub = %v, want %s", claims["sub"], testutil.TestSubject)
	}

	// the device code is single use
	env.clock.Advance(6 * time.Second)
	_, oerr = env.srv.Token(ctx, devicePoll(resp.DeviceCode))
	assertErrorCode(t, oerr, ErrorCodeInvalidGrant)
}

func TestDeviceCodeGrant_Polling(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(t *testing.T, env *testEnv, resp *DeviceAuthorizationResponse)
		wantCode string
	}{
		{
			name: "polling too fast",
			prepare: func(_ *testing.T, env *testEnv, resp *DeviceAuthorizationResponse) {
				_, _ = env.srv.Token(context.Background(), devicePoll(resp.DeviceCode))
				env.clock.Advance(time.Second)
			},
			wantCode: ErrorCodeSlowDown,
		},
		{
			name: "polling at the interval",
			prepare: func(_ *testing.T, env *testEnv, resp *DeviceAuthorizationResponse) {
				_, _ = env.srv.Token(context.Background(), devicePoll(resp.DeviceCode))
				env.clock.Advance(5 * time.Second)
			},
			wantCode: ErrorCodeAuthorizationPending,
		},
		{
			name: "denied by the user",
			prepare: func(t *testing.T, env *testEnv, resp *DeviceAuthorizationResponse) {
				assertNoOAuthError(t, env.srv.DenyDevice(context.Background(), resp.UserCode))
			},
			wantCode: ErrorCodeAccessDenied,
		},
		{
			name: "expired",
			prepare: func(_ *testing.T, env *testEnv, _ *DeviceAuthorizationResponse) {
				env.clock.Advance(31 * time.Minute)
			},
			wantCode: ErrorCodeExpiredToken,
		},
		{
			name: "unknown device code",
			prepare: func(_ *testing.T, _ *testEnv, resp *DeviceAuthorizationResponse) {
				resp.DeviceCode = "unknown"
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newDeviceEnv(t)
			ctx := context.Background()

			resp, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid")
			assertNoOAuthError(t, oerr)
			tt.prepare(t, env, resp)

			_, oerr = env.srv.Token(ctx, devicePoll(resp.DeviceCode))
			assertErrorCode(t, oerr, tt.wantCode)
		})
	}
}

func TestDeviceCodeGrant_OtherClient(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := context.Background()

	other := testutil.GenerateTestClient()
	other.ClientID = "other-device-client"
	other.GrantTypes = []string{GrantTypeDeviceCode}
	env.saveClient(t, other)

	resp, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid")
	assertNoOAuthError(t, oerr)

	req := devicePoll(resp.DeviceCode)
	req.Credentials.ClientID = other.ClientID
	_, oerr = env.srv.Token(ctx, req)
	assertErrorCode(t, oerr, ErrorCodeInvalidGrant)
}

func TestDenyDevice(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := context.Background()

	resp, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid")
	assertNoOAuthError(t, oerr)

	assertNoOAuthError(t, env.srv.DenyDevice(ctx, resp.UserCode))
	if !env.events.has(security.EventDeviceAuthorizationDenied) {
		t.Error("expected a device authorization denied event")
	}
	assertErrorCode(t, env.srv.ApproveDevice(ctx, resp.UserCode, testutil.TestSubject), ErrorCodeInvalidRequest)
	assertErrorCode(t, env.srv.DenyDevice(ctx, "BCDFGHJK"), ErrorCodeInvalidRequest)
}

func TestDeviceDecision_Concurrent(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := context.Background()

	resp, oerr := env.srv.StartDeviceAuthorization(ctx, deviceCredentials(), "openid")
	assertNoOAuthError(t, oerr)

	decisions := []func() *Error{
		func() *Error { return env.srv.ApproveDevice(ctx, resp.UserCode, testutil.TestSubject) },
		func() *Error { return env.srv.DenyDevice(ctx, resp.UserCode) },
		func() *Error { return env.srv.ApproveDevice(ctx, resp.UserCode, "someone-else") },
		func() *Error { return env.srv.DenyDevice(ctx, resp.UserCode) },
	}

	start := make(chan struct{})
	results := make(chan *Error, len(decisions))
	for _, decide := range decisions {
		go func() {
			<-start
			results <- decide()
		}()
	}
	close(start)

	var wins int
	for range decisions {
		oerr := <-results
		switch {
		case oerr == nil:
			wins++
		case oerr.Code != ErrorCodeInvalidRequest:
			t.Errorf("losing decision error = %s, want %s", oerr.Code, ErrorCodeInvalidRequest)
		}
	}
	if wins != 1 {
		t.Errorf("winning decisions = %d, want exactly 1", wins)
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := map[string]string{
		"BCDFGHJK":    "BCDFGHJK",
		"bcdf-ghjk":   "BCDFGHJK",
		"  bcdfghjk ": "BCDFGHJK",
	}
	for in, want := range tests {
		if got := normalizeUserCode(in); got != want {
			t.Errorf("normalizeUserCode(%q) = %q, want %q", in, got, want)
		}
	}
}
