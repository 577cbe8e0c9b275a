package storage

import (
	"testing"

	"github.com/jjrdk/dotauth/security"
)

func TestEncryptPayload_RoundTrip(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	payload := map[string]any{
		"sub":   "alice",
		"email": "alice@example.com",
		"name":  "",
		"role":  []string{"admin"},
	}

	sealed, err := EncryptPayload(payload, enc)
	if err != nil {
		t.Fatalf("EncryptPayload() error = %v", err)
	}
	if sealed["sub"] != "alice" {
		t.Error("non-sensitive claims should be copied as-is")
	}
	if sealed["email"] == "alice@example.com" {
		t.Error("email should be encrypted")
	}
	if sealed["name"] != "" {
		t.Error("empty values should not be encrypted")
	}

	opened, err := DecryptPayload(sealed, enc)
	if err != nil {
		t.Fatalf("DecryptPayload() error = %v", err)
	}
	if opened["email"] != "alice@example.com" {
		t.Errorf("email = %v, want alice@example.com", opened["email"])
	}
}

func TestEncryptPayload_Passthrough(t *testing.T) {
	tests := []struct {
		name      string
		encryptor *security.Encryptor
		payload   map[string]any
	}{
		{name: "nil encryptor", payload: map[string]any{"email": "a@b"}},
		{name: "nil payload", encryptor: &security.Encryptor{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncryptPayload(tt.payload, tt.encryptor)
			if err != nil {
				t.Fatalf("EncryptPayload() error = %v", err)
			}
			if len(got) != len(tt.payload) {
				t.Errorf("payload changed: %v", got)
			}
			if tt.payload != nil && got["email"] != tt.payload["email"] {
				t.Error("payload should be returned unchanged")
			}
		})
	}
}
