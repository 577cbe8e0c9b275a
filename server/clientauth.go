package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// Token endpoint authentication methods
const (
	AuthMethodClientSecretBasic       = "client_secret_basic"
	AuthMethodClientSecretPost        = "client_secret_post"
	AuthMethodClientSecretJWT         = "client_secret_jwt"
	AuthMethodPrivateKeyJWT           = "private_key_jwt"
	AuthMethodTLSClientAuth           = "tls_client_auth"
	AuthMethodSelfSignedTLSClientAuth = "self_signed_tls_client_auth"
	AuthMethodNone                    = "none"

	// ClientAssertionTypeJWTBearer is the only supported client_assertion_type
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// SupportedAuthMethods lists the token endpoint authentication methods
var SupportedAuthMethods = []string{
	AuthMethodClientSecretBasic,
	AuthMethodClientSecretPost,
	AuthMethodClientSecretJWT,
	AuthMethodPrivateKeyJWT,
	AuthMethodTLSClientAuth,
	AuthMethodSelfSignedTLSClientAuth,
	AuthMethodNone,
}

var (
	hmacMethods       = []string{"HS256", "HS384", "HS512"}
	asymmetricMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}
)

// ClientCredentials is everything a request presented to identify its client
type ClientCredentials struct {
	ClientID            string
	ClientSecret        string
	BasicAuth           bool // ClientID and ClientSecret came from an Authorization: Basic header
	ClientAssertion     string
	ClientAssertionType string
	Certificate         *x509.Certificate // verified TLS client certificate
}

// presentedMethods returns the authentication methods the credential shape can satisfy
func (c ClientCredentials) presentedMethods() []string {
	switch {
	case c.ClientAssertionType == ClientAssertionTypeJWTBearer && c.ClientAssertion != "":
		return []string{AuthMethodClientSecretJWT, AuthMethodPrivateKeyJWT}
	case c.BasicAuth:
		return []string{AuthMethodClientSecretBasic}
	case c.ClientSecret != "":
		return []string{AuthMethodClientSecretPost}
	case c.Certificate != nil:
		return []string{AuthMethodTLSClientAuth, AuthMethodSelfSignedTLSClientAuth}
	default:
		return []string{AuthMethodNone}
	}
}

// AuthenticateClient identifies and authenticates a client. audience is the
// endpoint URL JWT assertions must be addressed to; the issuer is always
// accepted as well.
func (s *Server) AuthenticateClient(ctx context.Context, creds ClientCredentials, audience string) (*storage.Client, *Error) {
	clientID := creds.ClientID
	if clientID == "" && creds.ClientAssertion != "" {
		clientID = assertionIssuer(creds.ClientAssertion)
	}
	if clientID == "" {
		return nil, errClientNotFound()
	}

	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.recordClientAuthFailure(clientID, "unknown_client")
			return nil, errClientNotFound()
		}
		s.Logger.Error("Failed to load client", "client_id", clientID, "error", err)
		return nil, errInternal()
	}

	registered := client.TokenEndpointAuthMethod
	if registered == "" {
		registered = AuthMethodClientSecretBasic
	}

	if !slices.Contains(creds.presentedMethods(), registered) {
		s.recordClientAuthFailure(clientID, "auth_method_mismatch")
		return nil, Errorf(ErrorCodeInvalidClient, "the client cannot be authenticated with secret %s", registered)
	}

	var authErr error
	switch registered {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		authErr = verifySharedSecret(client, creds.ClientSecret)
	case AuthMethodClientSecretJWT, AuthMethodPrivateKeyJWT:
		authErr = s.verifyClientAssertion(client, registered, creds.ClientAssertion, audience)
	case AuthMethodTLSClientAuth, AuthMethodSelfSignedTLSClientAuth:
		authErr = s.verifyCertificate(client, registered, creds.Certificate)
	case AuthMethodNone:
	default:
		authErr = fmt.Errorf("unsupported authentication method %s", registered)
	}

	if authErr != nil {
		// SECURITY: the detailed reason is logged, the caller gets a generic message
		s.Logger.Debug("Client authentication failed",
			"client_id", clientID,
			"method", registered,
			"reason", authErr.Error())
		s.recordClientAuthFailure(clientID, registered)
		return nil, Errorf(ErrorCodeInvalidClient, "the client %s cannot be authenticated", clientID)
	}

	return client, nil
}

func (s *Server) recordClientAuthFailure(clientID, reason string) {
	s.publish(security.EventAuthFailure, "", clientID, map[string]any{"reason": reason})
}

// assertionIssuer extracts iss without verifying the signature; the value is
// only used to look up the client whose keys then verify the assertion
func assertionIssuer(assertion string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return ""
	}
	iss, _ := claims.GetIssuer()
	return iss
}

func verifySharedSecret(client *storage.Client, secret string) error {
	if secret == "" {
		return errors.New("client secret is missing")
	}
	for _, hash := range client.SecretsOfType(storage.SecretSharedSecret) {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil {
			return nil
		}
	}
	return errors.New("client secret does not match")
}

func (s *Server) verifyClientAssertion(client *storage.Client, method, assertion, audience string) error {
	var (
		keyfunc jwt.Keyfunc
		methods []string
	)
	switch method {
	case AuthMethodClientSecretJWT:
		secrets := client.SecretsOfType(storage.SecretHMACKey)
		if len(secrets) == 0 {
			return errors.New("client has no HMAC key")
		}
		methods = hmacMethods
		keyfunc = func(*jwt.Token) (any, error) { return []byte(secrets[0]), nil }
	default:
		methods = asymmetricMethods
		keyfunc = jwksKeyfunc(client.JSONWebKeys)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(methods),
		jwt.WithIssuer(client.ClientID),
		jwt.WithSubject(client.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := parser.ParseWithClaims(assertion, claims, keyfunc); err != nil {
		return fmt.Errorf("invalid client assertion: %w", err)
	}

	accepted := []string{s.Config.Issuer}
	if audience != "" {
		accepted = append(accepted, audience)
	}
	for _, aud := range claims.Audience {
		if slices.Contains(accepted, aud) {
			return nil
		}
	}
	return errors.New("client assertion audience does not match")
}

// jwksKeyfunc resolves the verification key by kid, or by algorithm family
// when the token carries no kid
func jwksKeyfunc(set jose.JSONWebKeySet) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); ok && kid != "" {
			keys := set.Key(kid)
			if len(keys) == 0 {
				return nil, fmt.Errorf("unknown key id %q", kid)
			}
			return keys[0].Public().Key, nil
		}
		alg := t.Method.Alg()
		for _, k := range set.Keys {
			if k.Algorithm != "" && k.Algorithm != alg {
				continue
			}
			pub := k.Public().Key
			switch pub.(type) {
			case *rsa.PublicKey:
				if strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS") {
					return pub, nil
				}
			case *ecdsa.PublicKey:
				if strings.HasPrefix(alg, "ES") {
					return pub, nil
				}
			}
		}
		return nil, fmt.Errorf("no key for algorithm %s", alg)
	}
}

func (s *Server) verifyCertificate(client *storage.Client, method string, cert *x509.Certificate) error {
	if cert == nil {
		return errors.New("client certificate is missing")
	}
	if now := s.now(); now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errors.New("client certificate is not valid at this time")
	}

	sum := sha256.Sum256(cert.Raw)
	thumbprint := hex.EncodeToString(sum[:])
	for _, expected := range client.SecretsOfType(storage.SecretX509Thumbprint) {
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(expected)), []byte(thumbprint)) == 1 {
			return nil
		}
	}

	if method == AuthMethodTLSClientAuth {
		subject := cert.Subject.String()
		for _, expected := range client.SecretsOfType(storage.SecretX509Name) {
			if expected == subject {
				return nil
			}
		}
	}

	return errors.New("client certificate does not match")
}
