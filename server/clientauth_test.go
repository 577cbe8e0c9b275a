package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jjrdk/dotauth/internal/testutil"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const testHMACKey = "a-shared-hmac-key-of-sufficient-length"

func signAssertion(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	testutil.AssertNoError(t, err)
	return signed
}

func assertionClaims(clientID, audience string, now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        testutil.GenerateRandomString(12),
	}
}

func selfSignedCertificate(t *testing.T, commonName string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	testutil.AssertNoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	testutil.AssertNoError(t, err)
	cert, err := x509.ParseCertificate(der)
	testutil.AssertNoError(t, err)
	return cert
}

func certificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func TestAuthenticateClient_SharedSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		creds     ClientCredentials
		wantCode  string
		wantDescr string
	}{
		{
			name:  "basic credentials",
			creds: basicCredentials(),
		},
		{
			name:      "wrong secret",
			creds:     ClientCredentials{ClientID: testutil.TestClientID, ClientSecret: "wrong", BasicAuth: true},
			wantCode:  ErrorCodeInvalidClient,
			wantDescr: "the client test-client-id cannot be authenticated",
		},
		{
			name:      "post credentials for a basic client",
			creds:     ClientCredentials{ClientID: testutil.TestClientID, ClientSecret: testutil.TestClientSecret},
			wantCode:  ErrorCodeInvalidClient,
			wantDescr: "the client cannot be authenticated with secret client_secret_basic",
		},
		{
			name:      "unknown client",
			creds:     ClientCredentials{ClientID: "unknown", ClientSecret: "x", BasicAuth: true},
			wantCode:  ErrorCodeInvalidClient,
			wantDescr: "the client doesn't exist",
		},
		{
			name:      "no client id",
			creds:     ClientCredentials{},
			wantCode:  ErrorCodeInvalidClient,
			wantDescr: "the client doesn't exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, oerr := env.srv.AuthenticateClient(ctx, tt.creds, "")
			if tt.wantCode == "" {
				assertNoOAuthError(t, oerr)
				if client.ClientID != testutil.TestClientID {
					t.Errorf("ClientID = %q", client.ClientID)
				}
				return
			}
			assertErrorCode(t, oerr, tt.wantCode)
			if oerr.Description != tt.wantDescr {
				t.Errorf("Description = %q, want %q", oerr.Description, tt.wantDescr)
			}
		})
	}

	if !env.events.has(security.EventAuthFailure) {
		t.Error("expected an auth failure event")
	}
}

func TestAuthenticateClient_PublicClient(t *testing.T) {
	env := newTestEnv(t)
	env.saveClient(t, &storage.Client{
		ClientID:                "public",
		TokenEndpointAuthMethod: AuthMethodNone,
	})

	client, oerr := env.srv.AuthenticateClient(context.Background(), ClientCredentials{ClientID: "public"}, "")
	assertNoOAuthError(t, oerr)
	if client.ClientID != "public" {
		t.Errorf("ClientID = %q, want public", client.ClientID)
	}

	// a secret changes the presented method
	_, oerr = env.srv.AuthenticateClient(context.Background(), ClientCredentials{ClientID: "public", ClientSecret: "s"}, "")
	assertErrorCode(t, oerr, ErrorCodeInvalidClient)
}

func TestAuthenticateClient_ClientSecretJWT(t *testing.T) {
	env := newTestEnv(t)
	env.saveClient(t, &storage.Client{
		ClientID:                "jwt-client",
		Secrets:                 []storage.ClientSecret{{Type: storage.SecretHMACKey, Value: testHMACKey}},
		TokenEndpointAuthMethod: AuthMethodClientSecretJWT,
	})
	now := env.clock.Now()
	tokenEndpoint := testIssuer + EndpointToken

	tests := []struct {
		name      string
		assertion string
		clientID  string
		wantErr   bool
	}{
		{
			name:      "addressed to the token endpoint",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", assertionClaims("jwt-client", tokenEndpoint, now)),
		},
		{
			name:      "addressed to the issuer",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", assertionClaims("jwt-client", testIssuer, now)),
		},
		{
			name:      "client id taken from the assertion issuer",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", assertionClaims("jwt-client", tokenEndpoint, now)),
			clientID:  "-",
		},
		{
			name:      "wrong audience",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", assertionClaims("jwt-client", "https://other.example.com", now)),
			wantErr:   true,
		},
		{
			name:      "wrong key",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte("another-key-entirely-different-bytes"), "", assertionClaims("jwt-client", tokenEndpoint, now)),
			wantErr:   true,
		},
		{
			name:      "expired",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", assertionClaims("jwt-client", tokenEndpoint, now.Add(-time.Hour))),
			wantErr:   true,
		},
		{
			name:      "subject differs from client",
			assertion: signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", jwt.RegisteredClaims{Issuer: "jwt-client", Subject: "someone", Audience: jwt.ClaimStrings{tokenEndpoint}, ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))}),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientID := "jwt-client"
			if tt.clientID == "-" {
				clientID = ""
			}
			creds := ClientCredentials{
				ClientID:            clientID,
				ClientAssertion:     tt.assertion,
				ClientAssertionType: ClientAssertionTypeJWTBearer,
			}
			_, oerr := env.srv.AuthenticateClient(context.Background(), creds, tokenEndpoint)
			if tt.wantErr {
				assertErrorCode(t, oerr, ErrorCodeInvalidClient)
				return
			}
			assertNoOAuthError(t, oerr)
		})
	}
}

func TestAuthenticateClient_PrivateKeyJWT(t *testing.T) {
	env := newTestEnv(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	testutil.AssertNoError(t, err)

	env.saveClient(t, &storage.Client{
		ClientID: "pk-client",
		JSONWebKeys: jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "client-key", Algorithm: "RS256", Use: "sig"},
		}},
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
	})
	now := env.clock.Now()

	t.Run("kid resolves the key", func(t *testing.T) {
		assertion := signAssertion(t, jwt.SigningMethodRS256, key, "client-key", assertionClaims("pk-client", testIssuer, now))
		_, oerr := env.srv.AuthenticateClient(context.Background(), ClientCredentials{
			ClientID:            "pk-client",
			ClientAssertion:     assertion,
			ClientAssertionType: ClientAssertionTypeJWTBearer,
		}, "")
		assertNoOAuthError(t, oerr)
	})

	t.Run("no kid falls back to the algorithm", func(t *testing.T) {
		assertion := signAssertion(t, jwt.SigningMethodRS256, key, "", assertionClaims("pk-client", testIssuer, now))
		_, oerr := env.srv.AuthenticateClient(context.Background(), ClientCredentials{
			ClientID:            "pk-client",
			ClientAssertion:     assertion,
			ClientAssertionType: ClientAssertionTypeJWTBearer,
		}, "")
		assertNoOAuthError(t, oerr)
	})

	t.Run("unknown kid", func(t *testing.T) {
		assertion := signAssertion(t, jwt.SigningMethodRS256, key, "other", assertionClaims("pk-client", testIssuer, now))
		_, oerr := env.srv.AuthenticateClient(context.Background(), ClientCredentials{
			ClientID:            "pk-client",
			ClientAssertion:     assertion,
			ClientAssertionType: ClientAssertionTypeJWTBearer,
		}, "")
		assertErrorCode(t, oerr, ErrorCodeInvalidClient)
	})

	t.Run("HMAC assertion is rejected", func(t *testing.T) {
		assertion := signAssertion(t, jwt.SigningMethodHS256, []byte(testHMACKey), "", assertionClaims("pk-client", testIssuer, now))
		_, oerr := env.srv.AuthenticateClient(context.Background(), ClientCredentials{
			ClientID:            "pk-client",
			ClientAssertion:     assertion,
			ClientAssertionType: ClientAssertionTypeJWTBearer,
		}, "")
		assertErrorCode(t, oerr, ErrorCodeInvalidClient)
	})
}

func TestAuthenticateClient_Certificates(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()

	cert := selfSignedCertificate(t, "device-1", now.Add(-time.Hour), now.Add(time.Hour))
	other := selfSignedCertificate(t, "device-2", now.Add(-time.Hour), now.Add(time.Hour))
	expired := selfSignedCertificate(t, "device-1", now.Add(-2*time.Hour), now.Add(-time.Hour))

	env.saveClient(t, &storage.Client{
		ClientID:                "self-signed",
		Secrets:                 []storage.ClientSecret{{Type: storage.SecretX509Thumbprint, Value: strings.ToUpper(certificateThumbprint(cert))}},
		TokenEndpointAuthMethod: AuthMethodSelfSignedTLSClientAuth,
	})
	env.saveClient(t, &storage.Client{
		ClientID:                "pki",
		Secrets:                 []storage.ClientSecret{{Type: storage.SecretX509Name, Value: "CN=device-1"}},
		TokenEndpointAuthMethod: AuthMethodTLSClientAuth,
	})

	tests := []struct {
		name     string
		clientID string
		cert     *x509.Certificate
		wantErr  bool
	}{
		{name: "thumbprint match", clientID: "self-signed", cert: cert},
		{name: "thumbprint mismatch", clientID: "self-signed", cert: other, wantErr: true},
		{name: "subject name match", clientID: "pki", cert: cert},
		{name: "subject name mismatch", clientID: "pki", cert: other, wantErr: true},
		{name: "expired certificate", clientID: "pki", cert: expired, wantErr: true},
		{name: "no certificate", clientID: "pki", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oerr := env.srv.AuthenticateClient(context.Background(), ClientCredentials{
				ClientID:    tt.clientID,
				Certificate: tt.cert,
			}, "")
			if tt.wantErr {
				assertErrorCode(t, oerr, ErrorCodeInvalidClient)
				return
			}
			assertNoOAuthError(t, oerr)
		})
	}
}

func TestClientCredentials_PresentedMethods(t *testing.T) {
	tests := []struct {
		name  string
		creds ClientCredentials
		want  string
	}{
		{"assertion", ClientCredentials{ClientAssertion: "x", ClientAssertionType: ClientAssertionTypeJWTBearer}, AuthMethodPrivateKeyJWT},
		{"basic", ClientCredentials{ClientID: "a", ClientSecret: "b", BasicAuth: true}, AuthMethodClientSecretBasic},
		{"post", ClientCredentials{ClientID: "a", ClientSecret: "b"}, AuthMethodClientSecretPost},
		{"certificate", ClientCredentials{ClientID: "a", Certificate: &x509.Certificate{}}, AuthMethodTLSClientAuth},
		{"none", ClientCredentials{ClientID: "a"}, AuthMethodNone},
		{"assertion without type", ClientCredentials{ClientID: "a", ClientAssertion: "x"}, AuthMethodNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods := tt.creds.presentedMethods()
			found := false
			for _, m := range methods {
				if m == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("presentedMethods() = %v, want to contain %q", methods, tt.want)
			}
		})
	}
}
