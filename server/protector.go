package server

import (
	"encoding/json"
	"fmt"

	"github.com/jjrdk/dotauth/security"
)

// requestProtectionAAD binds sealed requests to their purpose
var requestProtectionAAD = []byte("dotauth.authorization_request")

// RequestProtector turns an in-flight authorization request into an opaque
// value that survives the user-agent round trip through login, consent and
// second-factor pages
type RequestProtector interface {
	Protect(req AuthorizationRequest) (string, error)
	Unprotect(protected string) (AuthorizationRequest, error)
}

// EncryptedRequestProtector seals requests with AES-256-GCM
type EncryptedRequestProtector struct {
	encryptor *security.Encryptor
}

// NewEncryptedRequestProtector creates a protector using a 32 byte key
func NewEncryptedRequestProtector(key []byte) (*EncryptedRequestProtector, error) {
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	if !enc.IsEnabled() {
		return nil, fmt.Errorf("request protection requires an encryption key")
	}
	return &EncryptedRequestProtector{encryptor: enc}, nil
}

// Protect implements RequestProtector
func (p *EncryptedRequestProtector) Protect(req AuthorizationRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization request: %w", err)
	}
	return p.encryptor.Seal(payload, requestProtectionAAD)
}

// Unprotect implements RequestProtector
func (p *EncryptedRequestProtector) Unprotect(protected string) (AuthorizationRequest, error) {
	var req AuthorizationRequest
	payload, err := p.encryptor.Open(protected, requestProtectionAAD)
	if err != nil {
		return req, fmt.Errorf("failed to open authorization request: %w", err)
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("failed to decode authorization request: %w", err)
	}
	return req, nil
}

func newRequestProtectorFromConfig(config *Config) (RequestProtector, error) {
	var (
		key []byte
		err error
	)
	if config.RequestProtectionKey != "" {
		key, err = security.KeyFromBase64(config.RequestProtectionKey)
	} else {
		key, err = security.GenerateKey()
	}
	if err != nil {
		return nil, fmt.Errorf("invalid request protection key: %w", err)
	}
	return NewEncryptedRequestProtector(key)
}
