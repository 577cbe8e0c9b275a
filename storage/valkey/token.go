package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code. The record is
// kept until it expires so replays are detected.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	sealed, err := s.sealCode(code)
	if err != nil {
		return err
	}
	env, err := newEnvelope(sealed, code.ExpiresAt)
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.codeKey(code.Code), env, code.ExpiresAt.Add(security.DefaultClockSkewGracePeriod)); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode atomically redeems an authorization code.
// A replayed code returns the record together with storage.ErrAlreadyConsumed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	status, env, err := s.runScript(ctx, luaConsume, []string{s.codeKey(code)},
		[]string{s.expiryCutoff(security.DefaultClockSkewGracePeriod), fmt.Sprint(s.now().UnixMilli())})
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	statusErr := statusError(status)
	if env == nil {
		if errors.Is(statusErr, storage.ErrExpired) {
			return nil, fmt.Errorf("authorization code: %w", statusErr)
		}
		return nil, statusErr
	}

	var stored storage.AuthorizationCode
	if err := env.decode(&stored); err != nil {
		return nil, err
	}
	opened, err := s.openCode(&stored)
	if err != nil {
		return nil, err
	}
	opened.ConsumedAt = fromUnixMilli(env.Used)

	if statusErr == nil {
		s.logger.Debug("Consumed authorization code",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	}
	return opened, statusErr
}

func (s *Store) sealCode(code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	enc := s.getEncryptor()
	if !enc.IsEnabled() {
		return code, nil
	}
	sealed := *code
	var err error
	if sealed.IDTokenPayload, err = storage.EncryptPayload(code.IDTokenPayload, enc); err != nil {
		return nil, err
	}
	if sealed.UserInfoPayload, err = storage.EncryptPayload(code.UserInfoPayload, enc); err != nil {
		return nil, err
	}
	return &sealed, nil
}

func (s *Store) openCode(code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	enc := s.getEncryptor()
	var err error
	if code.IDTokenPayload, err = storage.DecryptPayload(code.IDTokenPayload, enc); err != nil {
		return nil, err
	}
	if code.UserInfoPayload, err = storage.DecryptPayload(code.UserInfoPayload, enc); err != nil {
		return nil, err
	}
	return code, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenLifetime is the instant a token set may be forgotten: when neither
// its access nor its refresh token can be used any more
func tokenLifetime(token *storage.GrantedToken) time.Time {
	end := token.ExpiresAt()
	if token.RefreshTokenExpiresAt.After(end) {
		end = token.RefreshTokenExpiresAt
	}
	return end.Add(security.DefaultClockSkewGracePeriod)
}

// SaveToken saves a granted token set, indexed by its access and refresh
// tokens and by its subject and client
func (s *Store) SaveToken(ctx context.Context, token *storage.GrantedToken) error {
	if token == nil || token.ID == "" || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	sealed := *token
	sealed.ConsumedAt = time.Time{}
	var err error
	if sealed.UserInfoPayload, err = storage.EncryptPayload(token.UserInfoPayload, s.getEncryptor()); err != nil {
		return fmt.Errorf("failed to encrypt token payload: %w", err)
	}

	env, err := newEnvelope(&sealed, token.RefreshTokenExpiresAt)
	if err != nil {
		return err
	}
	env.Used = unixMilli(token.ConsumedAt)

	expiresAt := tokenLifetime(token)
	if err := s.setJSON(ctx, s.tokenKey(token.ID), env, expiresAt); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	ttl := calculateTTL(s.now(), expiresAt)
	cmds := []valkeyCommand{
		s.client.B().Set().Key(s.accessKey(token.AccessToken)).Value(token.ID).Px(ttl).Build(),
		s.client.B().Sadd().Key(s.userClientKey(token.Subject, token.ClientID)).Member(token.ID).Build(),
	}
	if token.RefreshToken != "" {
		cmds = append(cmds, s.client.B().Set().Key(s.refreshKey(token.RefreshToken)).Value(token.ID).Px(ttl).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to index token: %w", err)
		}
	}

	s.logger.Debug("Saved token",
		"token_id", util.SafeTruncate(token.ID, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves a token set by its access token
func (s *Store) GetAccessToken(ctx context.Context, accessToken string) (*storage.GrantedToken, error) {
	return s.lookupToken(ctx, s.accessKey(accessToken))
}

// GetRefreshToken retrieves a token set by its refresh token
func (s *Store) GetRefreshToken(ctx context.Context, refreshToken string) (*storage.GrantedToken, error) {
	return s.lookupToken(ctx, s.refreshKey(refreshToken))
}

// tokenID resolves an access or refresh token index entry
func (s *Store) tokenID(ctx context.Context, indexKey string) (string, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(indexKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}
	return id, nil
}

func (s *Store) lookupToken(ctx context.Context, indexKey string) (*storage.GrantedToken, error) {
	id, err := s.tokenID(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	env, err := s.getEnvelope(ctx, s.tokenKey(id))
	if err != nil {
		return nil, err
	}
	return s.openToken(env)
}

func (s *Store) openToken(env *envelope) (*storage.GrantedToken, error) {
	var token storage.GrantedToken
	if err := env.decode(&token); err != nil {
		return nil, err
	}
	payload, err := storage.DecryptPayload(token.UserInfoPayload, s.getEncryptor())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token payload: %w", err)
	}
	token.UserInfoPayload = payload
	token.ConsumedAt = fromUnixMilli(env.Used)
	return &token, nil
}

// ConsumeRefreshToken atomically marks a refresh token as redeemed.
// A second redemption returns the record with storage.ErrAlreadyConsumed.
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*storage.GrantedToken, error) {
	id, err := s.tokenID(ctx, s.refreshKey(refreshToken))
	if err != nil {
		return nil, err
	}

	status, env, err := s.runScript(ctx, luaConsume, []string{s.tokenKey(id)},
		[]string{s.expiryCutoff(security.DefaultClockSkewGracePeriod), fmt.Sprint(s.now().UnixMilli())})
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	statusErr := statusError(status)
	if env == nil {
		if errors.Is(statusErr, storage.ErrExpired) {
			return nil, fmt.Errorf("refresh token: %w", statusErr)
		}
		return nil, statusErr
	}

	token, err := s.openToken(env)
	if err != nil {
		return nil, err
	}
	return token, statusErr
}

// RemoveAccessToken deletes the token set owning the access token
func (s *Store) RemoveAccessToken(ctx context.Context, accessToken string) error {
	id, err := s.tokenID(ctx, s.accessKey(accessToken))
	if err != nil {
		return err
	}
	_, err = s.deleteToken(ctx, id)
	return err
}

// RemoveRefreshToken deletes the token set owning the refresh token
func (s *Store) RemoveRefreshToken(ctx context.Context, refreshToken string) error {
	id, err := s.tokenID(ctx, s.refreshKey(refreshToken))
	if err != nil {
		return err
	}
	_, err = s.deleteToken(ctx, id)
	return err
}

// deleteToken removes a token set and its index entries. Reports whether
// the token set still existed.
func (s *Store) deleteToken(ctx context.Context, id string) (bool, error) {
	env, err := s.getEnvelope(ctx, s.tokenKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	var token storage.GrantedToken
	if err := env.decode(&token); err != nil {
		return false, err
	}

	cmds := []valkeyCommand{
		s.client.B().Del().Key(s.tokenKey(id), s.accessKey(token.AccessToken)).Build(),
		s.client.B().Srem().Key(s.userClientKey(token.Subject, token.ClientID)).Member(id).Build(),
	}
	if token.RefreshToken != "" {
		cmds = append(cmds, s.client.B().Del().Key(s.refreshKey(token.RefreshToken)).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return false, fmt.Errorf("failed to delete token: %w", err)
		}
	}
	return true, nil
}
