package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const (
	// userCodeAlphabet omits vowels and look-alike characters (RFC 8628 section 6.1)
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8

	// userCodeAttempts bounds retries on user code collisions
	userCodeAttempts = 5
)

// DeviceAuthorizationResponse is the device authorization endpoint response (RFC 8628)
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// StartDeviceAuthorization starts a device authorization grant for clientID
func (s *Server) StartDeviceAuthorization(ctx context.Context, creds ClientCredentials, scope string) (*DeviceAuthorizationResponse, *Error) {
	ctx, span := s.startSpan(ctx, "StartDeviceAuthorization")
	defer span.End()

	client, oerr := s.AuthenticateClient(ctx, creds, s.Config.Issuer+EndpointDeviceAuthorization)
	if oerr != nil {
		return nil, oerr
	}
	if !client.SupportsGrantType(GrantTypeDeviceCode) {
		return nil, errGrantTypeNotSupported(client.ClientID, GrantTypeDeviceCode)
	}

	scopes := util.ParseScopes(scope)
	if _, oerr := s.validateScopes(ctx, client, scopes); oerr != nil {
		return nil, oerr
	}

	now := s.now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: generateRandomToken(),
		ClientID:   client.ClientID,
		Scopes:     scopes,
		Interval:   s.Config.DevicePollingInterval,
		Status:     storage.DeviceStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(s.Config.DeviceCodeTTL) * time.Second),
	}

	var err error
	for range userCodeAttempts {
		if auth.UserCode, err = generateUserCode(); err != nil {
			break
		}
		if err = s.stores.DeviceAuthorizations.SaveDeviceAuthorization(ctx, auth); err == nil {
			break
		}
	}
	if err != nil {
		s.Logger.Error("Failed to save device authorization", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}

	s.publish(security.EventDeviceAuthorizationStarted, "", client.ClientID, map[string]any{
		"scope": util.JoinScopes(scopes),
	})
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", scope)

	return &DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         s.Config.DeviceVerificationURI,
		VerificationURIComplete: s.Config.DeviceVerificationURI + "?user_code=" + url.QueryEscape(auth.UserCode),
		ExpiresIn:               s.Config.DeviceCodeTTL,
		Interval:                auth.Interval,
	}, nil
}

// ApproveDevice lets an authenticated user approve the device showing userCode
func (s *Server) ApproveDevice(ctx context.Context, userCode, subject string) *Error {
	if subject == "" {
		return NewError(ErrorCodeAccessDenied, "the user is not authenticated")
	}
	auth, err := s.stores.DeviceAuthorizations.ApproveDeviceAuthorization(ctx, normalizeUserCode(userCode), subject)
	if oerr := s.deviceTransitionError(err); oerr != nil {
		return oerr
	}
	s.publish(security.EventDeviceAuthorizationApproved, subject, auth.ClientID, nil)
	return nil
}

// DenyDevice lets a user reject the device showing userCode
func (s *Server) DenyDevice(ctx context.Context, userCode string) *Error {
	auth, err := s.stores.DeviceAuthorizations.DenyDeviceAuthorization(ctx, normalizeUserCode(userCode))
	if oerr := s.deviceTransitionError(err); oerr != nil {
		return oerr
	}
	s.publish(security.EventDeviceAuthorizationDenied, "", auth.ClientID, nil)
	return nil
}

func (s *Server) deviceTransitionError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return NewError(ErrorCodeInvalidRequest, "the user code is not valid")
	case errors.Is(err, storage.ErrExpired):
		return NewError(ErrorCodeExpiredToken, "the device code has expired")
	case errors.Is(err, storage.ErrInvalidTransition):
		return NewError(ErrorCodeInvalidRequest, "the device authorization is no longer pending")
	default:
		s.Logger.Error("Failed to update device authorization", "error", err)
		return errInternal()
	}
}

func generateUserCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(userCodeAlphabet)))
	var b strings.Builder
	for range userCodeLength {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		b.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// normalizeUserCode accepts lower case and dash separated input ("bcdf-ghjk")
func normalizeUserCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

type deviceCodeGrant struct {
	srv *Server
}

func (g *deviceCodeGrant) GrantType() string { return GrantTypeDeviceCode }

func (g *deviceCodeGrant) Validate(req *TokenRequest) *Error {
	if req.DeviceCode == "" {
		return errMissingParameter("device_code")
	}
	return nil
}

func (g *deviceCodeGrant) Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error) {
	s := g.srv
	now := s.now()

	// Touch returns the record as it was before this poll
	prev, err := s.stores.DeviceAuthorizations.TouchDeviceAuthorization(ctx, req.DeviceCode, now)
	if err != nil {
		result, oerr := "invalid", NewError(ErrorCodeInvalidGrant, "the device code is not valid")
		switch {
		case errors.Is(err, storage.ErrExpired):
			result, oerr = "expired", NewError(ErrorCodeExpiredToken, "the device code has expired")
		case !errors.Is(err, storage.ErrNotFound):
			s.Logger.Error("Failed to load device authorization", "client_id", client.ClientID, "error", err)
			result, oerr = "error", errInternal()
		}
		s.metrics().RecordDevicePoll(ctx, result)
		return nil, oerr
	}

	if prev.ClientID != client.ClientID {
		s.metrics().RecordDevicePoll(ctx, "invalid")
		return nil, NewError(ErrorCodeInvalidGrant, "the device code has been issued for another client")
	}
	if security.IsExpiredWithGracePeriod(now, prev.ExpiresAt, 0) {
		s.metrics().RecordDevicePoll(ctx, "expired")
		return nil, NewError(ErrorCodeExpiredToken, "the device code has expired")
	}
	if !prev.LastPolled.IsZero() && now.Sub(prev.LastPolled) < time.Duration(prev.Interval)*time.Second {
		s.metrics().RecordDevicePoll(ctx, "slow_down")
		return nil, NewError(ErrorCodeSlowDown, "the client is polling too fast")
	}

	switch prev.Status {
	case storage.DeviceStatusPending:
		s.metrics().RecordDevicePoll(ctx, "pending")
		return nil, NewError(ErrorCodeAuthorizationPending, "the user has not yet approved the request")
	case storage.DeviceStatusDenied:
		s.metrics().RecordDevicePoll(ctx, "denied")
		return nil, NewError(ErrorCodeAccessDenied, "the user denied the request")
	}

	auth, err := s.stores.DeviceAuthorizations.ConsumeDeviceAuthorization(ctx, req.DeviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) {
			s.metrics().RecordDevicePoll(ctx, "invalid")
			return nil, NewError(ErrorCodeInvalidGrant, "the device code is not valid")
		}
		s.Logger.Error("Failed to consume device authorization", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}
	s.metrics().RecordDevicePoll(ctx, "approved")

	userInfo, err := s.claimsForScopes(ctx, auth.Subject, auth.Scopes)
	if err != nil {
		s.Logger.Error("Failed to resolve claims", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}

	return s.issueToken(ctx, issueParams{
		client:      client,
		subject:     auth.Subject,
		scopes:      auth.Scopes,
		withRefresh: client.SupportsGrantType(GrantTypeRefreshToken),
		withIDToken: util.Contains(auth.Scopes, ScopeOpenID),
		authTime:    now,
		idClaims:    userInfo,
		userInfo:    userInfo,
	})
}
