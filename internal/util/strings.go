package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when
// logging sensitive data like tokens, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScopes splits a space-delimited scope parameter into its values.
// Duplicates are dropped while the first-seen order is kept.
//
// Example:
//
//	ParseScopes("openid  profile openid") // Returns: ["openid", "profile"]
//	ParseScopes("")                       // Returns: nil
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return Unique(fields)
}

// JoinScopes joins scopes into a space-delimited scope parameter.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Unique returns values with duplicates removed, keeping first-seen order.
func Unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Contains reports whether values contains v.
func Contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// IsSubset reports whether every element of subset is present in superset.
// An empty subset is always contained.
func IsSubset(subset, superset []string) bool {
	return len(Difference(subset, superset)) == 0
}

// Difference returns the elements of values that are not present in allowed,
// preserving the order of values.
func Difference(values, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	var missing []string
	for _, v := range values {
		if _, ok := set[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}
