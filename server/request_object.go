package server

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// resolveRequestObject replaces the request parameters with those of the
// signed request object passed by value (request) or by reference (request_uri)
func (s *Server) resolveRequestObject(ctx context.Context, req AuthorizationRequest) (AuthorizationRequest, *Error) {
	if req.Request != "" && req.RequestURI != "" {
		return req, NewError(ErrorCodeInvalidRequest, "the parameters request and request_uri cannot be combined")
	}

	object := req.Request
	if req.RequestURI != "" {
		fetched, err := s.fetchRequestObject(ctx, req.RequestURI)
		if err != nil {
			s.Logger.Debug("Failed to fetch request object", "request_uri", req.RequestURI, "error", err)
			return req, NewError(ErrorCodeInvalidRequest, "the request_uri cannot be resolved")
		}
		object = fetched
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = assertionIssuer(object)
	}
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return req, errClientNotFound()
		}
		s.Logger.Error("Failed to load client", "client_id", clientID, "error", err)
		return req, errInternal()
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(append(append([]string{}, asymmetricMethods...), hmacMethods...)),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := parser.ParseWithClaims(object, claims, requestObjectKeyfunc(client)); err != nil {
		s.Logger.Debug("Request object rejected", "client_id", client.ClientID, "error", err)
		s.publish(security.EventInvalidSignature, "", client.ClientID, map[string]any{"parameter": "request"})
		return req, NewError(ErrorCodeInvalidRequest, "the request object is not valid")
	}

	// the object binds only the client whose keys verified it
	if cid, ok := claims["client_id"].(string); ok && cid != client.ClientID {
		return req, NewError(ErrorCodeInvalidRequest, "the client_id of the request object does not match")
	}
	if iss, ok := claims["iss"].(string); ok && iss != client.ClientID {
		return req, NewError(ErrorCodeInvalidRequest, "the issuer of the request object does not match")
	}

	return mergeRequestObject(req, claims), nil
}

// requestObjectKeyfunc verifies HMAC request objects with the client's
// shared key and asymmetric ones with its registered JWKS
func requestObjectKeyfunc(client *storage.Client) jwt.Keyfunc {
	asymmetric := jwksKeyfunc(client.JSONWebKeys)
	return func(t *jwt.Token) (any, error) {
		if strings.HasPrefix(t.Method.Alg(), "HS") {
			secrets := client.SecretsOfType(storage.SecretHMACKey)
			if len(secrets) == 0 {
				return nil, errors.New("client has no HMAC key")
			}
			return []byte(secrets[0]), nil
		}
		return asymmetric(t)
	}
}

// mergeRequestObject overrides request parameters with the object's claims
func mergeRequestObject(req AuthorizationRequest, claims jwt.MapClaims) AuthorizationRequest {
	set := func(dst *string, name string) {
		if v, ok := claims[name].(string); ok && v != "" {
			*dst = v
		}
	}
	set(&req.ClientID, "client_id")
	set(&req.RedirectURI, "redirect_uri")
	set(&req.ResponseType, "response_type")
	set(&req.Scope, "scope")
	set(&req.State, "state")
	set(&req.ResponseMode, "response_mode")
	set(&req.Nonce, "nonce")
	set(&req.Prompt, "prompt")
	set(&req.CodeChallenge, "code_challenge")
	set(&req.CodeChallengeMethod, "code_challenge_method")
	set(&req.IDTokenHint, "id_token_hint")
	set(&req.ACRValues, "acr_values")
	set(&req.AMRValues, "amr_values")
	set(&req.LoginHint, "login_hint")
	if v, ok := claims["max_age"].(float64); ok {
		maxAge := int64(v)
		req.MaxAge = &maxAge
	}

	req.Request = ""
	req.RequestURI = ""
	return req
}
