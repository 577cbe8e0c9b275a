package valkey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const ticketApproved = "approved"

// ============================================================
// TicketStore Implementation
// ============================================================

// SaveTicket stores a new ticket and indexes it under its resource owner
func (s *Store) SaveTicket(ctx context.Context, ticket *storage.Ticket) error {
	if ticket == nil || ticket.ID == "" {
		return fmt.Errorf("invalid ticket")
	}

	stored := *ticket
	stored.IsAuthorizedByRO = false
	env, err := newEnvelope(&stored, ticket.ExpiresAt)
	if err != nil {
		return err
	}
	if ticket.IsAuthorizedByRO {
		env.State = ticketApproved
	}

	expiresAt := ticket.ExpiresAt
	if !expiresAt.IsZero() {
		expiresAt = expiresAt.Add(security.DefaultClockSkewGracePeriod)
	}
	if err := s.setJSON(ctx, s.ticketKey(ticket.ID), env, expiresAt); err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.ticketIndexKey(ticket.ResourceOwner)).Member(ticket.ID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index ticket: %w", err)
	}
	return nil
}

func openTicket(env *envelope) (*storage.Ticket, error) {
	var ticket storage.Ticket
	if err := env.decode(&ticket); err != nil {
		return nil, err
	}
	ticket.IsAuthorizedByRO = env.State == ticketApproved
	return &ticket, nil
}

// GetTicket retrieves a ticket by id
func (s *Store) GetTicket(ctx context.Context, id string) (*storage.Ticket, error) {
	env, err := s.getEnvelope(ctx, s.ticketKey(id))
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", id, err)
	}
	return openTicket(env)
}

// ApproveTicket atomically flags the ticket as authorized by its resource owner
func (s *Store) ApproveTicket(ctx context.Context, id string) (*storage.Ticket, error) {
	status, env, err := s.runScript(ctx, luaTransition, []string{s.ticketKey(id)},
		[]string{s.expiryCutoff(security.DefaultClockSkewGracePeriod), "", ticketApproved, ""})
	if err != nil {
		return nil, fmt.Errorf("failed to approve ticket: %w", err)
	}
	if err := statusError(status); err != nil {
		return nil, fmt.Errorf("ticket %s: %w", id, err)
	}
	return openTicket(env)
}

// ConsumeTicket atomically removes a ticket and returns it. A tombstone
// reports later attempts as storage.ErrAlreadyConsumed.
func (s *Store) ConsumeTicket(ctx context.Context, id string) (*storage.Ticket, error) {
	status, env, err := s.runScript(ctx, luaTake, []string{s.ticketKey(id), s.ticketUsedKey(id)},
		[]string{s.expiryCutoff(security.DefaultClockSkewGracePeriod), ""})
	if err != nil {
		return nil, fmt.Errorf("failed to consume ticket: %w", err)
	}
	if err := statusError(status); err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) {
			return nil, err
		}
		return nil, fmt.Errorf("ticket %s: %w", id, err)
	}

	ticket, err := openTicket(env)
	if err != nil {
		return nil, err
	}
	s.unindexTicket(ctx, ticket)
	return ticket, nil
}

// DeleteTicket removes a ticket without redeeming it
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	ticket, err := s.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.ticketKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	s.unindexTicket(ctx, ticket)
	return nil
}

func (s *Store) unindexTicket(ctx context.Context, ticket *storage.Ticket) {
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.ticketIndexKey(ticket.ResourceOwner)).Member(ticket.ID).Build()).Error(); err != nil {
		s.logger.Warn("Failed to unindex ticket", "ticket", ticket.ID, "error", err)
	}
}

// ListTicketsForOwner lists the unexpired tickets of a resource owner, oldest first
func (s *Store) ListTicketsForOwner(ctx context.Context, owner string) ([]*storage.Ticket, error) {
	ids, err := s.members(ctx, s.ticketIndexKey(owner))
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.ticketKey(id)
	}
	envs, err := getMany[envelope](ctx, s, keys)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tickets := make([]*storage.Ticket, 0, len(envs))
	for _, env := range envs {
		ticket, err := openTicket(env)
		if err != nil {
			return nil, err
		}
		if !security.IsExpired(now, ticket.ExpiresAt) {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	return tickets, nil
}

// ============================================================
// ConfirmationCodeStore Implementation
// ============================================================

// SaveConfirmationCode stores a freshly generated code. The record outlives
// its expiry so late attempts are reported as expired rather than unknown.
func (s *Store) SaveConfirmationCode(ctx context.Context, code *storage.ConfirmationCode) error {
	if code == nil || code.Value == "" || code.Subject == "" {
		return fmt.Errorf("invalid confirmation code")
	}
	env, err := newEnvelope(code, code.ExpiresAt)
	if err != nil {
		return err
	}
	expiresAt := code.ExpiresAt
	if !expiresAt.IsZero() {
		expiresAt = expiresAt.Add(security.DefaultClockSkewGracePeriod)
	}
	if err := s.setJSON(ctx, s.confirmationKey(code.Subject, code.Value), env, expiresAt); err != nil {
		return fmt.Errorf("failed to save confirmation code: %w", err)
	}
	return nil
}

// GetConfirmationCode retrieves a code without consuming it
func (s *Store) GetConfirmationCode(ctx context.Context, subject, value string) (*storage.ConfirmationCode, error) {
	env, err := s.getEnvelope(ctx, s.confirmationKey(subject, value))
	if err != nil {
		return nil, err
	}
	var code storage.ConfirmationCode
	if err := env.decode(&code); err != nil {
		return nil, err
	}
	return &code, nil
}

// ConsumeConfirmationCode atomically removes an unexpired code
func (s *Store) ConsumeConfirmationCode(ctx context.Context, subject, value string) (*storage.ConfirmationCode, error) {
	status, env, err := s.runScript(ctx, luaTake, []string{s.confirmationKey(subject, value)},
		[]string{s.expiryCutoff(0), ""})
	if err != nil {
		return nil, fmt.Errorf("failed to consume confirmation code: %w", err)
	}
	if err := statusError(status); err != nil {
		return nil, err
	}
	var code storage.ConfirmationCode
	if err := env.decode(&code); err != nil {
		return nil, err
	}
	return &code, nil
}

// DeleteConfirmationCode removes a code without validating it
func (s *Store) DeleteConfirmationCode(ctx context.Context, subject, value string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.confirmationKey(subject, value)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete confirmation code: %w", err)
	}
	return nil
}

// ============================================================
// DeviceAuthorizationStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new device authorization. The user code
// is reserved first so two pending requests never share one.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	ttl := calculateTTL(s.now(), auth.ExpiresAt)
	if ttl < time.Millisecond {
		return fmt.Errorf("device authorization already expired")
	}
	err := s.client.Do(ctx, s.client.B().Set().Key(s.userCodeKey(auth.UserCode)).Value(auth.DeviceCode).Nx().Px(ttl).Build()).Error()
	if isNilError(err) {
		return fmt.Errorf("user code already in use")
	}
	if err != nil {
		return fmt.Errorf("failed to reserve user code: %w", err)
	}

	stored := *auth
	env, err := newEnvelope(&stored, auth.ExpiresAt)
	if err != nil {
		return err
	}
	env.State = auth.Status
	env.Subject = auth.Subject
	env.Polled = unixMilli(auth.LastPolled)
	if err := s.setJSON(ctx, s.deviceKey(auth.DeviceCode), env, auth.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}
	return nil
}

func openDevice(env *envelope) (*storage.DeviceAuthorization, error) {
	var auth storage.DeviceAuthorization
	if err := env.decode(&auth); err != nil {
		return nil, err
	}
	auth.Status = env.State
	auth.Subject = env.Subject
	auth.LastPolled = fromUnixMilli(env.Polled)
	return &auth, nil
}

// GetDeviceAuthorization retrieves a device authorization by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	env, err := s.getEnvelope(ctx, s.deviceKey(deviceCode))
	if err != nil {
		return nil, err
	}
	return openDevice(env)
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by user code
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.GetDeviceAuthorization(ctx, deviceCode)
}

func (s *Store) deviceCodeFor(ctx context.Context, userCode string) (string, error) {
	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve user code: %w", err)
	}
	return deviceCode, nil
}

// ApproveDeviceAuthorization atomically moves a pending request to approved
func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, subject string) (*storage.DeviceAuthorization, error) {
	return s.transitionDevice(ctx, userCode, storage.DeviceStatusApproved, subject)
}

// DenyDeviceAuthorization atomically moves a pending request to denied
func (s *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	return s.transitionDevice(ctx, userCode, storage.DeviceStatusDenied, "")
}

func (s *Store) transitionDevice(ctx context.Context, userCode, status, subject string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}
	result, env, err := s.runScript(ctx, luaTransition, []string{s.deviceKey(deviceCode)},
		[]string{s.expiryCutoff(0), storage.DeviceStatusPending, status, subject})
	if err != nil {
		return nil, fmt.Errorf("failed to update device authorization: %w", err)
	}
	if err := statusError(result); err != nil {
		return nil, err
	}
	return openDevice(env)
}

// TouchDeviceAuthorization records a poll and returns the record as it was before
func (s *Store) TouchDeviceAuthorization(ctx context.Context, deviceCode string, at time.Time) (*storage.DeviceAuthorization, error) {
	status, env, err := s.runScript(ctx, luaTouch, []string{s.deviceKey(deviceCode)},
		[]string{fmt.Sprint(at.UnixMilli())})
	if err != nil {
		return nil, fmt.Errorf("failed to touch device authorization: %w", err)
	}
	if err := statusError(status); err != nil {
		return nil, err
	}
	return openDevice(env)
}

// ConsumeDeviceAuthorization atomically removes an approved request
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	status, env, err := s.runScript(ctx, luaTake, []string{s.deviceKey(deviceCode)},
		[]string{"0", storage.DeviceStatusApproved})
	if err != nil {
		return nil, fmt.Errorf("failed to consume device authorization: %w", err)
	}
	if err := statusError(status); err != nil {
		return nil, err
	}

	auth, err := openDevice(env)
	if err != nil {
		return nil, err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.userCodeKey(auth.UserCode)).Build()).Error(); err != nil {
		s.logger.Warn("Failed to release user code", "error", err)
	}
	return auth, nil
}
