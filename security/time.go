package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiration checks.
	// It absorbs minor clock differences between the server, clients and
	// resource servers validating issued tokens.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired reports whether expiresAt lies in the past relative to now, using
// the default clock skew grace period. A zero expiry never expires.
func IsExpired(now, expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(now, expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod reports whether expiresAt lies more than
// gracePeriod in the past relative to now.
func IsExpiredWithGracePeriod(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
