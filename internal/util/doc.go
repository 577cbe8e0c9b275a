// Package util provides common utility functions used across the dotauth engine.
//
// This package contains helpers for scope parameter handling, set comparison
// and safe truncation of sensitive values before they reach a log line.
// These utilities are used internally by multiple packages to avoid code duplication
// and maintain consistent behavior across the codebase.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - ParseScopes / JoinScopes: Space-delimited scope parameter handling
//   - IsSubset / Difference: Ordered set helpers used by scope and policy checks
package util
