package storage

import (
	"fmt"

	"github.com/jjrdk/dotauth/security"
)

// SensitiveClaims lists payload claims that carry PII and are encrypted at
// rest when a store is configured with an encryptor.
var SensitiveClaims = []string{
	"email",
	"phone_number",
	"name",
	"given_name",
	"family_name",
	"address",
	"birthdate",
}

// EncryptPayload encrypts the sensitive string claims of a payload.
// Returns a new map; non-sensitive claims are copied as-is.
// If encryptor is nil or disabled, returns the original map unchanged.
func EncryptPayload(payload map[string]any, encryptor *security.Encryptor) (map[string]any, error) {
	return transformPayload(payload, encryptor, encryptor.Encrypt, "encrypt")
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(payload map[string]any, encryptor *security.Encryptor) (map[string]any, error) {
	return transformPayload(payload, encryptor, encryptor.Decrypt, "decrypt")
}

func transformPayload(payload map[string]any, encryptor *security.Encryptor, fn func(string) (string, error), op string) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return payload, nil
	}

	sensitive := make(map[string]bool, len(SensitiveClaims))
	for _, c := range SensitiveClaims {
		sensitive[c] = true
	}

	result := make(map[string]any, len(payload))
	for key, value := range payload {
		s, ok := value.(string)
		if !sensitive[key] || !ok || s == "" {
			result[key] = value
			continue
		}
		out, err := fn(s)
		if err != nil {
			return nil, fmt.Errorf("failed to %s claim %s: %w", op, key, err)
		}
		result[key] = out
	}
	return result, nil
}
