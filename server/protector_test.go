package server

import (
	"testing"

	"github.com/jjrdk/dotauth/internal/testutil"
	"github.com/jjrdk/dotauth/security"
)

func TestEncryptedRequestProtector(t *testing.T) {
	key, err := security.GenerateKey()
	testutil.AssertNoError(t, err)
	p, err := NewEncryptedRequestProtector(key)
	testutil.AssertNoError(t, err)

	maxAge := int64(300)
	req := AuthorizationRequest{
		ClientID:     testutil.TestClientID,
		RedirectURI:  testutil.TestRedirectURI,
		ResponseType: ResponseTypeCode,
		Scope:        "openid profile",
		State:        "xyz",
		Nonce:        "n-0S6_WzA2Mj",
		MaxAge:       &maxAge,
	}

	protected, err := p.Protect(req)
	testutil.AssertNoError(t, err)
	if protected == "" {
		t.Fatal("Protect() returned an empty value")
	}

	got, err := p.Unprotect(protected)
	testutil.AssertNoError(t, err)
	if got.ClientID != req.ClientID || got.Scope != req.Scope || got.State != req.State || got.Nonce != req.Nonce {
		t.Errorf("Unprotect() = %+v, want %+v", got, req)
	}
	if got.MaxAge == nil || *got.MaxAge != maxAge {
		t.Errorf("MaxAge = %v, want %d", got.MaxAge, maxAge)
	}

	t.Run("tampered value", func(t *testing.T) {
		tampered := []byte(protected)
		tampered[len(tampered)/2] ^= 'A' ^ 'B'
		if _, err := p.Unprotect(string(tampered)); err == nil {
			t.Error("Unprotect() accepted a tampered value")
		}
	})

	t.Run("different key", func(t *testing.T) {
		otherKey, err := security.GenerateKey()
		testutil.AssertNoError(t, err)
		other, err := NewEncryptedRequestProtector(otherKey)
		testutil.AssertNoError(t, err)
		if _, err := other.Unprotect(protected); err == nil {
			t.Error("Unprotect() accepted a value sealed with another key")
		}
	})
}

func TestNewEncryptedRequestProtector_RequiresKey(t *testing.T) {
	if _, err := NewEncryptedRequestProtector(nil); err == nil {
		t.Error("NewEncryptedRequestProtector(nil) should fail")
	}
	if _, err := NewEncryptedRequestProtector([]byte("short")); err == nil {
		t.Error("NewEncryptedRequestProtector(short key) should fail")
	}
}

func TestNewRequestProtectorFromConfig(t *testing.T) {
	key, err := security.GenerateKey()
	testutil.AssertNoError(t, err)
	encoded := security.KeyToBase64(key)

	a, err := newRequestProtectorFromConfig(&Config{RequestProtectionKey: encoded})
	testutil.AssertNoError(t, err)
	b, err := newRequestProtectorFromConfig(&Config{RequestProtectionKey: encoded})
	testutil.AssertNoError(t, err)

	// a shared key lets one instance resume another's request
	protected, err := a.Protect(AuthorizationRequest{ClientID: "c"})
	testutil.AssertNoError(t, err)
	got, err := b.Unprotect(protected)
	testutil.AssertNoError(t, err)
	if got.ClientID != "c" {
		t.Errorf("ClientID = %q, want c", got.ClientID)
	}
}
