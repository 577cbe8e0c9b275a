package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const confirmationCodeDigits = 6

// TwoFactorHandler delivers confirmation codes through one channel (SMS, email, ...)
type TwoFactorHandler interface {
	// Name is the value of ResourceOwner.TwoFactorAuthentication that selects this handler
	Name() string
	Send(ctx context.Context, owner *storage.ResourceOwner, code string) error
}

// TwoFactorRegistry maps second-factor method names to handlers
type TwoFactorRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TwoFactorHandler
}

// NewTwoFactorRegistry creates an empty registry
func NewTwoFactorRegistry() *TwoFactorRegistry {
	return &TwoFactorRegistry{handlers: make(map[string]TwoFactorHandler)}
}

// Register adds or replaces a handler
func (r *TwoFactorRegistry) Register(h TwoFactorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler registered under name
func (r *TwoFactorRegistry) Get(name string) (TwoFactorHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// GenerateAndSendCode creates a confirmation code for subject and delivers
// it through the owner's second-factor method
func (s *Server) GenerateAndSendCode(ctx context.Context, subject string) *Error {
	owner, err := s.stores.ResourceOwners.GetResourceOwner(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(ErrorCodeInvalidRequest, "the resource owner doesn't exist")
		}
		s.Logger.Error("Failed to load resource owner", "error", err)
		return errInternal()
	}
	if owner.TwoFactorAuthentication == "" {
		return NewError(ErrorCodeInvalidRequest, "the resource owner has no second factor")
	}
	handler, ok := s.TwoFactor.Get(owner.TwoFactorAuthentication)
	if !ok {
		return Errorf(ErrorCodeInvalidRequest, "the second factor %s is not supported", owner.TwoFactorAuthentication)
	}

	value, err := generateConfirmationCode()
	if err != nil {
		s.Logger.Error("Failed to generate confirmation code", "error", err)
		return errInternal()
	}

	now := s.now()
	code := &storage.ConfirmationCode{
		Value:     value,
		Subject:   subject,
		Method:    handler.Name(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.ConfirmationCodeTTL) * time.Second),
	}
	if err := s.stores.ConfirmationCodes.SaveConfirmationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save confirmation code", "error", err)
		return errInternal()
	}

	if err := handler.Send(ctx, owner, value); err != nil {
		s.Logger.Error("Failed to send confirmation code", "method", handler.Name(), "error", err)
		if derr := s.stores.ConfirmationCodes.DeleteConfirmationCode(ctx, subject, value); derr != nil {
			s.Logger.Warn("Failed to delete undelivered confirmation code", "error", derr)
		}
		s.metrics().RecordConfirmationCode(ctx, "send", "error")
		return errInternal()
	}

	s.metrics().RecordConfirmationCode(ctx, "send", "success")
	s.publish(security.EventConfirmationCodeSent, subject, "", map[string]any{"method": handler.Name()})
	return nil
}

// ValidateConfirmationCode redeems a confirmation code. Attempts are rate
// limited per subject.
func (s *Server) ValidateConfirmationCode(ctx context.Context, subject, value string) *Error {
	if subject == "" || value == "" {
		return errMissingParameter("code")
	}

	if !s.ConfirmationLimiter.Allow(subject) {
		s.metrics().RecordRateLimitExceeded(ctx, "confirmation_code")
		s.publish(security.EventRateLimitExceeded, subject, "", map[string]any{"limiter": "confirmation_code"})
		return NewError(ErrorCodeInvalidRequest, "too many attempts")
	}

	_, err := s.stores.ConfirmationCodes.ConsumeConfirmationCode(ctx, subject, value)
	switch {
	case err == nil:
		s.ConfirmationLimiter.Reset(subject)
		s.metrics().RecordConfirmationCode(ctx, "validate", "success")
		return nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrAlreadyConsumed):
		s.metrics().RecordConfirmationCode(ctx, "validate", "invalid")
		s.publish(security.EventConfirmationCodeRejected, subject, "", map[string]any{"reason": "invalid"})
		return NewError(ErrorCodeInvalidRequest, "the confirmation code is not valid")
	case errors.Is(err, storage.ErrExpired):
		s.metrics().RecordConfirmationCode(ctx, "validate", "expired")
		s.publish(security.EventConfirmationCodeRejected, subject, "", map[string]any{"reason": "expired"})
		return NewError(ErrorCodeInvalidRequest, "the confirmation code has expired")
	default:
		s.Logger.Error("Failed to consume confirmation code", "error", err)
		return errInternal()
	}
}

func generateConfirmationCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(confirmationCodeDigits), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", confirmationCodeDigits, n.Int64()), nil
}
