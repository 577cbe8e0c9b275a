package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/server"
	"github.com/jjrdk/dotauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "dotauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized record (64KB).
	// This prevents memory exhaustion from large payloads.
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// valkeyCommand is a built command ready for Do or DoMulti
type valkeyCommand = valkeygo.Completed

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "dotauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of every storage interface.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time

	// encryptor seals PII claims and private keys at rest.
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var _ server.AllStores = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetEncryptor enables encryption at rest. Identity claims embedded in codes
// and tokens and the private signing keys are sealed before they are written.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

func (s *Store) clientKey(id string) string { return s.key("client", id) }
func (s *Store) scopeKey(name string) string { return s.key("scope", name) }
func (s *Store) scopeIndexKey() string { return s.prefix + "scopes" }
func (s *Store) ownerKey(subject string) string { return s.key("owner", subject) }
func (s *Store) resourceSetKey(id string) string { return s.key("resourceset", id) }
func (s *Store) policyKey(id string) string { return s.key("policy", id) }
func (s *Store) consentKey(id string) string { return s.key("consent", id) }
func (s *Store) codeKey(code string) string { return s.key("code", code) }
func (s *Store) tokenKey(id string) string { return s.key("token", id) }
func (s *Store) accessKey(token string) string { return s.key("access", token) }
func (s *Store) refreshKey(token string) string { return s.key("refresh", token) }
func (s *Store) ticketKey(id string) string { return s.key("ticket", id) }
func (s *Store) ticketUsedKey(id string) string { return s.key("ticket:used", id) }
func (s *Store) deviceKey(code string) string { return s.key("device", code) }
func (s *Store) userCodeKey(code string) string { return s.key("usercode", code) }
func (s *Store) signingKeysKey() string { return s.prefix + "jwks" }
func (s *Store) policyIndexKey(rsID string) string { return s.key("resourceset:policies", rsID) }
func (s *Store) consentIndexKey(sub string) string { return s.key("owner:consents", sub) }
func (s *Store) ticketIndexKey(owner string) string { return s.key("owner:tickets", owner) }

func (s *Store) confirmationKey(subject, value string) string {
	return s.prefix + "confirmation:" + subject + ":" + value
}

// userClientKey tracks the token sets of a subject and client: {prefix}userclient:{subject}:{clientID}
func (s *Store) userClientKey(subject, clientID string) string {
	return s.prefix + "userclient:" + subject + ":" + clientID
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Single-use records are stored inside an envelope whose mutable fields
// (used, state, subject, polled) are changed by the scripts below, while the
// immutable record travels in the data field. Times are Unix milliseconds.
// Every script replies with a status string followed by the envelope.

// luaConsume marks an envelope as used unless it already is or has expired.
// The record stays as a tombstone until its TTL so replays are detected.
//
// KEYS[1] = record key
// ARGV[1] = expiry cutoff in Unix milliseconds
// ARGV[2] = current time in Unix milliseconds
//
// Returns {"OK", envelope}, {"ALREADY_USED", envelope}, {"EXPIRED"} or {"NOT_FOUND"}
var luaConsume = valkeygo.NewLuaScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return {'NOT_FOUND'}
end
local rec = cjson.decode(raw)
if rec.used and rec.used > 0 then
    return {'ALREADY_USED', raw}
end
local cutoff = tonumber(ARGV[1])
if rec.exp and rec.exp > 0 and cutoff > rec.exp then
    return {'EXPIRED'}
end
rec.used = tonumber(ARGV[2])
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return {'OK', out}
`)

// luaTake deletes an envelope and returns it. A non-empty ARGV[2] is the
// state the record must be in. KEYS[2], when given, is a tombstone key left
// behind for the remaining lifetime of the record.
//
// KEYS[1] = record key
// KEYS[2] = optional tombstone key
// ARGV[1] = expiry cutoff in Unix milliseconds, 0 to skip the check
// ARGV[2] = required state or ""
//
// Returns {"OK", envelope}, {"ALREADY_USED"}, {"EXPIRED"},
// {"INVALID_TRANSITION"} or {"NOT_FOUND"}
var luaTake = valkeygo.NewLuaScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    if KEYS[2] and redis.call('EXISTS', KEYS[2]) == 1 then
        return {'ALREADY_USED'}
    end
    return {'NOT_FOUND'}
end
local rec = cjson.decode(raw)
local cutoff = tonumber(ARGV[1])
if cutoff > 0 and rec.exp and rec.exp > 0 and cutoff > rec.exp then
    return {'EXPIRED'}
end
if ARGV[2] ~= '' and (rec.state or '') ~= ARGV[2] then
    return {'INVALID_TRANSITION'}
end
local ttl = redis.call('PTTL', KEYS[1])
redis.call('DEL', KEYS[1])
if KEYS[2] then
    if ttl and ttl > 0 then
        redis.call('SET', KEYS[2], '1', 'PX', ttl)
    else
        redis.call('SET', KEYS[2], '1')
    end
end
return {'OK', raw}
`)

// luaTransition moves an unexpired envelope between states.
//
// KEYS[1] = record key
// ARGV[1] = expiry cutoff in Unix milliseconds
// ARGV[2] = required current state, "" for any
// ARGV[3] = new state
// ARGV[4] = subject to record, "" to keep
//
// Returns {"OK", envelope}, {"EXPIRED"}, {"INVALID_TRANSITION"} or {"NOT_FOUND"}
var luaTransition = valkeygo.NewLuaScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return {'NOT_FOUND'}
end
local rec = cjson.decode(raw)
local cutoff = tonumber(ARGV[1])
if rec.exp and rec.exp > 0 and cutoff > rec.exp then
    return {'EXPIRED'}
end
if ARGV[2] ~= '' and (rec.state or '') ~= ARGV[2] then
    return {'INVALID_TRANSITION'}
end
rec.state = ARGV[3]
if ARGV[4] ~= '' then
    rec.subject = ARGV[4]
end
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return {'OK', out}
`)

// luaTouch records a poll and returns the envelope as it was before.
//
// KEYS[1] = record key
// ARGV[1] = poll time in Unix milliseconds
//
// Returns {"OK", previous envelope} or {"NOT_FOUND"}
var luaTouch = valkeygo.NewLuaScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return {'NOT_FOUND'}
end
local rec = cjson.decode(raw)
rec.polled = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return {'OK', raw}
`)

// runScript executes a script and splits its reply into status and envelope
func (s *Store) runScript(ctx context.Context, script *valkeygo.Lua, keys, args []string) (string, *envelope, error) {
	reply, err := script.Exec(ctx, s.client, keys, args).ToArray()
	if err != nil {
		return "", nil, fmt.Errorf("failed to run script: %w", err)
	}
	if len(reply) == 0 {
		return "", nil, fmt.Errorf("empty script reply")
	}
	status, err := reply[0].ToString()
	if err != nil {
		return "", nil, fmt.Errorf("invalid script reply: %w", err)
	}
	if len(reply) < 2 {
		return status, nil, nil
	}
	raw, err := reply[1].ToString()
	if err != nil {
		return "", nil, fmt.Errorf("invalid script reply: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return status, &env, nil
}

// statusError maps a script status to the storage sentinel errors
func statusError(status string) error {
	switch status {
	case "OK":
		return nil
	case "NOT_FOUND":
		return storage.ErrNotFound
	case "ALREADY_USED":
		return storage.ErrAlreadyConsumed
	case "EXPIRED":
		return storage.ErrExpired
	case "INVALID_TRANSITION":
		return storage.ErrInvalidTransition
	default:
		return fmt.Errorf("unexpected script status %q", status)
	}
}

// ============================================================
// Serialization Helpers
// ============================================================

// envelope wraps a single-use record. Data holds the JSON of the record.
type envelope struct {
	Data    string `json:"data"`
	Exp     int64  `json:"exp"`
	Used    int64  `json:"used"`
	State   string `json:"state,omitempty"`
	Subject string `json:"subject,omitempty"`
	Polled  int64  `json:"polled"`
}

func newEnvelope(record any, exp time.Time) (*envelope, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return &envelope{Data: string(data), Exp: unixMilli(exp)}, nil
}

func (e *envelope) decode(v any) error {
	if err := json.Unmarshal([]byte(e.Data), v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// expiryCutoff is the instant records must outlive, allowing for clock skew
func (s *Store) expiryCutoff(grace time.Duration) string {
	return fmt.Sprint(s.now().Add(-grace).UnixMilli())
}

// setJSON marshals v and stores it under key, expiring at expiresAt unless zero
func (s *Store) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.setRaw(ctx, key, string(data), expiresAt)
}

func (s *Store) setRaw(ctx context.Context, key, data string, expiresAt time.Time) error {
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}
	cmd := s.client.B().Set().Key(key).Value(data)
	if expiresAt.IsZero() {
		return s.client.Do(ctx, cmd.Build()).Error()
	}
	ttl := calculateTTL(s.now(), expiresAt)
	if ttl < time.Millisecond {
		return fmt.Errorf("record already expired")
	}
	return s.client.Do(ctx, cmd.Px(ttl).Build()).Error()
}

// getJSON fetches key and unmarshals it into a new T
func getJSON[T any](ctx context.Context, s *Store, key string) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &v, nil
}

// getEnvelope fetches the envelope stored under key
func (s *Store) getEnvelope(ctx context.Context, key string) (*envelope, error) {
	return getJSON[envelope](ctx, s, key)
}

// getMany fetches several JSON records, skipping keys that vanished
func getMany[T any](ctx context.Context, s *Store, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	replies, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	out := make([]*T, 0, len(replies))
	for i, reply := range replies {
		data, err := reply.ToString()
		if err != nil {
			if isNilError(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get %s: %w", keys[i], err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			s.logger.Warn("Failed to unmarshal record, skipping", "key", keys[i], "error", err)
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return ids, nil
}

// calculateTTL returns the time left until expiresAt, 0 if it already passed
func calculateTTL(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
