// Package security provides security-related functionality for the
// authorization server, including rate limiting, encryption, HTTP hardening
// and audit logging.
//
// # Audit logging
//
// The Auditor writes security events through log/slog. Subject identifiers are
// hashed before they reach the log; event type names are the Event* constants.
//
// # Encryption
//
// Encryptor implements AES-256-GCM. Seal and Open bind ciphertexts to
// additional data and produce URL-safe output; they back the protection of
// in-flight authorization requests. Encrypt and Decrypt are used by stores to
// encrypt sensitive claims at rest.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token bucket
// algorithm with LRU eviction. It limits confirmation code attempts per
// subject.
//
//	limiter := security.NewRateLimiter(time.Minute, 5, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(subject) {
//	    // too many attempts
//	}
//
// Default configuration:
//   - MaxEntries: 10,000 unique identifiers
//   - CleanupInterval: 5 minutes
//   - IdleTimeout: 30 minutes
//
// GetStats reports CurrentEntries, TotalEvictions and MemoryPressure for
// monitoring. A rapidly increasing eviction count usually indicates a
// distributed guessing attempt.
package security
