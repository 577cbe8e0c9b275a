package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// Supported signing algorithms
const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

// ErrNoSigningKey is returned when no active signing key is loaded
var ErrNoSigningKey = errors.New("no signing key available")

// keySet is an immutable snapshot of the signing keys. The first key signs,
// the rest are kept for verification only.
type keySet struct {
	keys []*storage.SigningKey
}

func (ks *keySet) active() *storage.SigningKey {
	if ks == nil || len(ks.keys) == 0 {
		return nil
	}
	return ks.keys[0]
}

// KeyManager owns the server's signing keys. Readers take a snapshot through
// an atomic pointer; rotations are serialized and swap in a new snapshot.
type KeyManager struct {
	store     storage.JWKSStore
	alg       string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	current atomic.Pointer[keySet]
	mu      sync.Mutex // serializes Load and Rotate
}

// NewKeyManager creates a key manager backed by store
func NewKeyManager(store storage.JWKSStore, alg string, retention time.Duration, logger *slog.Logger) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	if alg == "" {
		alg = AlgRS256
	}
	return &KeyManager{
		store:     store,
		alg:       alg,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Load reads the persisted keys, generating and persisting a first key when
// the store holds none
func (m *KeyManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.GetSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to read signing keys: %w", err)
	}
	keys = m.prune(keys)

	if len(keys) == 0 {
		key, err := m.generate()
		if err != nil {
			return err
		}
		keys = []*storage.SigningKey{key}
		if err := m.store.SaveSigningKeys(ctx, keys); err != nil {
			return fmt.Errorf("failed to persist signing key: %w", err)
		}
		m.logger.Info("Generated signing key", "kid", key.Key.KeyID, "alg", m.alg)
	}

	m.current.Store(&keySet{keys: keys})
	return nil
}

// Rotate generates a new active key. The previous keys stay published until
// their retention elapses. Returns the new key id.
func (m *KeyManager) Rotate(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.generate()
	if err != nil {
		return "", err
	}

	now := m.now()
	var retained []*storage.SigningKey
	if cur := m.current.Load(); cur != nil {
		for _, k := range cur.keys {
			c := *k
			if c.NotAfter.IsZero() {
				c.NotAfter = now.Add(m.retention)
			}
			retained = append(retained, &c)
		}
	}
	keys := append([]*storage.SigningKey{key}, m.prune(retained)...)

	if err := m.store.SaveSigningKeys(ctx, keys); err != nil {
		return "", fmt.Errorf("failed to persist signing keys: %w", err)
	}
	m.current.Store(&keySet{keys: keys})

	m.logger.Info("Rotated signing key", "kid", key.Key.KeyID, "alg", m.alg, "retained", len(keys)-1)
	return key.Key.KeyID, nil
}

// prune drops keys whose verification window has elapsed
func (m *KeyManager) prune(keys []*storage.SigningKey) []*storage.SigningKey {
	now := m.now()
	out := keys[:0:0]
	for _, k := range keys {
		if !k.NotAfter.IsZero() && now.After(k.NotAfter) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (m *KeyManager) generate() (*storage.SigningKey, error) {
	var (
		private crypto.Signer
		err     error
	)
	switch m.alg {
	case AlgRS256:
		private, err = rsa.GenerateKey(rand.Reader, 2048)
	case AlgES256:
		private, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %s", m.alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", m.alg, err)
	}

	jwk := jose.JSONWebKey{Key: private, Algorithm: m.alg, Use: "sig"}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumb)

	return &storage.SigningKey{Key: jwk, CreatedAt: m.now()}, nil
}

// Algorithm returns the algorithm of the active key
func (m *KeyManager) Algorithm() string {
	if k := m.current.Load().active(); k != nil {
		return k.Key.Algorithm
	}
	return m.alg
}

// Sign signs claims with the active key and sets the kid header
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	key := m.current.Load().active()
	if key == nil {
		return "", ErrNoSigningKey
	}

	method := jwt.GetSigningMethod(key.Key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %s", key.Key.Algorithm)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.Key.KeyID
	signed, err := token.SignedString(key.Key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key of a token signed by this server
func (m *KeyManager) Keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	for _, k := range m.current.Load().keysOrNil() {
		if k.Key.KeyID == kid {
			return k.Key.Public().Key, nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// Verify parses and validates a token signed by this server
func (m *KeyManager) Verify(tokenString string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{AlgRS256, AlgES256}),
		jwt.WithTimeFunc(m.now),
	}, opts...)
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, m.Keyfunc); err != nil {
		return nil, err
	}
	return claims, nil
}

// PublicJWKS returns the public halves of every published key
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	var set jose.JSONWebKeySet
	for _, k := range m.current.Load().keysOrNil() {
		set.Keys = append(set.Keys, k.Key.Public())
	}
	return set
}

func (ks *keySet) keysOrNil() []*storage.SigningKey {
	if ks == nil {
		return nil
	}
	return ks.keys
}

// RotateSigningKey rotates the server's signing key
func (s *Server) RotateSigningKey(ctx context.Context) (string, error) {
	kid, err := s.Keys.Rotate(ctx)
	if err != nil {
		return "", err
	}
	s.metrics().RecordKeyRotation(ctx, s.Keys.Algorithm())
	s.publish(security.EventSigningKeyRotated, "", "", map[string]any{"kid": kid})
	return kid, nil
}
