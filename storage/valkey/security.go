package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jjrdk/dotauth/storage"
)

// signingKeysAAD binds sealed signing keys to their purpose
var signingKeysAAD = []byte("signing_keys")

// ============================================================
// TokenStore: bulk revocation
// ============================================================

// RevokeTokensFor removes every token set issued to subject through clientID.
// Returns the number of token sets removed.
func (s *Store) RevokeTokensFor(ctx context.Context, subject, clientID string) (int, error) {
	setKey := s.userClientKey(subject, clientID)
	ids, err := s.members(ctx, setKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list tokens: %w", err)
	}

	revoked := 0
	for _, id := range ids {
		existed, err := s.deleteToken(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to revoke token", "client_id", clientID, "error", err)
			continue
		}
		if existed {
			revoked++
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(setKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete token index", "client_id", clientID, "error", err)
	}

	s.logger.Info("Revoked tokens for subject and client",
		"client_id", clientID,
		"revoked", revoked)
	return revoked, nil
}

// ============================================================
// JWKSStore Implementation
// ============================================================

// GetSigningKeys returns the persisted signing keys, newest first
func (s *Store) GetSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.signingKeysKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signing keys: %w", err)
	}

	raw := []byte(data)
	if enc := s.getEncryptor(); enc.IsEnabled() {
		if raw, err = enc.Open(data, signingKeysAAD); err != nil {
			return nil, fmt.Errorf("failed to decrypt signing keys: %w", err)
		}
	}

	var keys []*storage.SigningKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signing keys: %w", err)
	}
	return keys, nil
}

// SaveSigningKeys replaces the persisted signing keys. Private key material
// is sealed when an encryptor is configured.
func (s *Store) SaveSigningKeys(ctx context.Context, keys []*storage.SigningKey) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal signing keys: %w", err)
	}

	data := string(raw)
	if enc := s.getEncryptor(); enc.IsEnabled() {
		if data, err = enc.Seal(raw, signingKeysAAD); err != nil {
			return fmt.Errorf("failed to encrypt signing keys: %w", err)
		}
	} else {
		s.logger.Warn("Storing signing keys without encryption at rest")
	}

	if err := s.setRaw(ctx, s.signingKeysKey(), data, time.Time{}); err != nil {
		return fmt.Errorf("failed to save signing keys: %w", err)
	}
	return nil
}
