// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
// Single-use records are redeemed under the write lock, which makes every
// Consume*/Approve* method atomic.
type Store struct {
	mu sync.RWMutex

	// Reference data, seeded through the Save* methods
	clients        map[string]*storage.Client
	scopes         map[string]*storage.Scope
	resourceOwners map[string]*storage.ResourceOwner
	resourceSets   map[string]*storage.ResourceSet
	policies       map[string]*storage.Policy
	consents       map[string]*storage.Consent

	// Issued credentials
	authCodes    map[string]*storage.AuthorizationCode
	tokens       map[string]*storage.GrantedToken // token set id -> token set
	accessIndex  map[string]string                // access token -> token set id
	refreshIndex map[string]string                // refresh token -> token set id

	// UMA tickets, with tombstones of consumed tickets until their expiry
	tickets         map[string]*storage.Ticket
	consumedTickets map[string]time.Time

	// Second factor and device flow
	confirmationCodes map[string]*storage.ConfirmationCode // subject + value -> code
	devices           map[string]*storage.DeviceAuthorization
	userCodes         map[string]string // user code -> device code

	signingKeys []*storage.SigningKey

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCount   atomic.Int64
	tokensCount  atomic.Int64
	ticketsCount atomic.Int64
	devicesCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore              = (*Store)(nil)
	_ storage.ScopeStore               = (*Store)(nil)
	_ storage.AuthorizationCodeStore   = (*Store)(nil)
	_ storage.TokenStore               = (*Store)(nil)
	_ storage.ConsentStore             = (*Store)(nil)
	_ storage.ResourceSetStore         = (*Store)(nil)
	_ storage.TicketStore              = (*Store)(nil)
	_ storage.PolicyStore              = (*Store)(nil)
	_ storage.ResourceOwnerStore       = (*Store)(nil)
	_ storage.ConfirmationCodeStore    = (*Store)(nil)
	_ storage.DeviceAuthorizationStore = (*Store)(nil)
	_ storage.JWKSStore                = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:           make(map[string]*storage.Client),
		scopes:            make(map[string]*storage.Scope),
		resourceOwners:    make(map[string]*storage.ResourceOwner),
		resourceSets:      make(map[string]*storage.ResourceSet),
		policies:          make(map[string]*storage.Policy),
		consents:          make(map[string]*storage.Consent),
		authCodes:         make(map[string]*storage.AuthorizationCode),
		tokens:            make(map[string]*storage.GrantedToken),
		accessIndex:       make(map[string]string),
		refreshIndex:      make(map[string]string),
		tickets:           make(map[string]*storage.Ticket),
		consumedTickets:   make(map[string]time.Time),
		confirmationCodes: make(map[string]*storage.ConfirmationCode),
		devices:           make(map[string]*storage.DeviceAuthorization),
		userCodes:         make(map[string]string),
		cleanupInterval:   cleanupInterval,
		stopCleanup:       make(chan struct{}),
		logger:            slog.Default(),
		now:               time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCounters()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
			AuthorizationCodes:   s.codesCount.Load,
			Tokens:               s.tokensCount.Load,
			Tickets:              s.ticketsCount.Load,
			DeviceAuthorizations: s.devicesCount.Load,
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// syncCounters refreshes the gauges. Must be called with the lock held.
func (s *Store) syncCounters() {
	s.codesCount.Store(int64(len(s.authCodes)))
	s.tokensCount.Store(int64(len(s.tokens)))
	s.ticketsCount.Store(int64(len(s.tickets)))
	s.devicesCount.Store(int64(len(s.devices)))
}

// ============================================================
// Reference data (seeding)
// ============================================================

// SaveClient registers a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	done := s.track(ctx, "save_client")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	done := s.track(ctx, "get_client")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	return client, nil
}

// SaveScope registers a scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if scope == nil || scope.Name == "" {
		return fmt.Errorf("invalid scope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope.Name] = scope
	return nil
}

// GetScopes returns the known scopes among names, in the order requested
func (s *Store) GetScopes(ctx context.Context, names ...string) (scopes []*storage.Scope, err error) {
	done := s.track(ctx, "get_scopes")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, name := range names {
		if scope, ok := s.scopes[name]; ok {
			scopes = append(scopes, scope)
		}
	}
	return scopes, nil
}

// ListScopes returns every known scope sorted by name
func (s *Store) ListScopes(ctx context.Context) (scopes []*storage.Scope, err error) {
	done := s.track(ctx, "list_scopes")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes = make([]*storage.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Name < scopes[j].Name })
	return scopes, nil
}

// SaveResourceOwner registers a resource owner
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if owner == nil || owner.Subject == "" {
		return fmt.Errorf("invalid resource owner")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceOwners[owner.Subject] = owner
	return nil
}

// GetResourceOwner retrieves a resource owner by subject
func (s *Store) GetResourceOwner(ctx context.Context, subject string) (owner *storage.ResourceOwner, err error) {
	done := s.track(ctx, "get_resource_owner")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.resourceOwners[subject]
	if !ok {
		return nil, fmt.Errorf("resource owner: %w", storage.ErrNotFound)
	}
	return owner, nil
}

// SaveResourceSet registers a resource set
func (s *Store) SaveResourceSet(ctx context.Context, rs *storage.ResourceSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if rs == nil || rs.ID == "" {
		return fmt.Errorf("invalid resource set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceSets[rs.ID] = rs
	return nil
}

// GetResourceSet retrieves a resource set by id
func (s *Store) GetResourceSet(ctx context.Context, id string) (rs *storage.ResourceSet, err error) {
	done := s.track(ctx, "get_resource_set")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.resourceSets[id]
	if !ok {
		return nil, fmt.Errorf("resource set %s: %w", id, storage.ErrNotFound)
	}
	return rs, nil
}

// SavePolicy registers a policy
func (s *Store) SavePolicy(ctx context.Context, policy *storage.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if policy == nil || policy.ID == "" {
		return fmt.Errorf("invalid policy")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = policy
	return nil
}

// GetPoliciesForResourceSet returns the policies bound to a resource set, ordered by id
func (s *Store) GetPoliciesForResourceSet(ctx context.Context, resourceSetID string) (policies []*storage.Policy, err error) {
	done := s.track(ctx, "get_policies")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.policies {
		if slices.Contains(p.ResourceSetIDs, resourceSetID) {
			policies = append(policies, p)
		}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// SaveConsent stores a consent
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) (err error) {
	done := s.track(ctx, "save_consent")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if consent == nil || consent.ID == "" {
		return fmt.Errorf("invalid consent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[consent.ID] = consent
	return nil
}

// GetConsentsForSubject lists the consents of a resource owner
func (s *Store) GetConsentsForSubject(ctx context.Context, subject string) (consents []*storage.Consent, err error) {
	done := s.track(ctx, "get_consents")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.consents {
		if c.Subject == subject {
			consents = append(consents, c)
		}
	}
	sort.Slice(consents, func(i, j int) bool { return consents[i].ID < consents[j].ID })
	return consents, nil
}

// DeleteConsent removes a consent
func (s *Store) DeleteConsent(ctx context.Context, consentID string) (err error) {
	done := s.track(ctx, "delete_consent")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consents[consentID]; !ok {
		return fmt.Errorf("consent %s: %w", consentID, storage.ErrNotFound)
	}
	delete(s.consents, consentID)
	return nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	done := s.track(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *code
	s.authCodes[code.Code] = &stored
	s.syncCounters()
	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode atomically redeems an authorization code.
//
// IMPORTANT: The code is ONLY returned on success and on reuse
// (ErrAlreadyConsumed) so the caller can revoke tokens minted from it.
// For other errors (not found, expired), nil is returned.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	done := s.track(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if !stored.ConsumedAt.IsZero() {
		c := *stored
		return &c, storage.ErrAlreadyConsumed
	}

	if security.IsExpired(s.now(), stored.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrExpired)
	}

	// The record stays as a tombstone until it expires so replays are detected
	stored.ConsumedAt = s.now()
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	c := *stored
	return &c, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a granted token set
func (s *Store) SaveToken(ctx context.Context, token *storage.GrantedToken) (err error) {
	done := s.track(ctx, "save_token")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if token == nil || token.ID == "" || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *token
	s.tokens[token.ID] = &stored
	s.accessIndex[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.ID
	}
	s.syncCounters()
	return nil
}

// GetAccessToken retrieves a token set by its access token
func (s *Store) GetAccessToken(ctx context.Context, accessToken string) (token *storage.GrantedToken, err error) {
	done := s.track(ctx, "get_access_token")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupToken(s.accessIndex, accessToken)
}

// GetRefreshToken retrieves a token set by its refresh token
func (s *Store) GetRefreshToken(ctx context.Context, refreshToken string) (token *storage.GrantedToken, err error) {
	done := s.track(ctx, "get_refresh_token")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupToken(s.refreshIndex, refreshToken)
}

// lookupToken must be called with the lock held.
func (s *Store) lookupToken(index map[string]string, value string) (*storage.GrantedToken, error) {
	id, ok := index[value]
	if !ok {
		return nil, storage.ErrNotFound
	}
	t := *s.tokens[id]
	return &t, nil
}

// ConsumeRefreshToken atomically marks a refresh token as redeemed
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (token *storage.GrantedToken, err error) {
	done := s.track(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	id, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	stored := s.tokens[id]

	if !stored.ConsumedAt.IsZero() {
		t := *stored
		return &t, storage.ErrAlreadyConsumed
	}

	if security.IsExpired(s.now(), stored.RefreshTokenExpiresAt) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrExpired)
	}

	stored.ConsumedAt = s.now()
	t := *stored
	return &t, nil
}

// RemoveAccessToken deletes the token set owning the access token
func (s *Store) RemoveAccessToken(ctx context.Context, accessToken string) (err error) {
	done := s.track(ctx, "remove_access_token")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accessIndex[accessToken]
	if !ok {
		return storage.ErrNotFound
	}
	s.deleteTokenLocked(id)
	return nil
}

// RemoveRefreshToken deletes the token set owning the refresh token
func (s *Store) RemoveRefreshToken(ctx context.Context, refreshToken string) (err error) {
	done := s.track(ctx, "remove_refresh_token")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refreshIndex[refreshToken]
	if !ok {
		return storage.ErrNotFound
	}
	s.deleteTokenLocked(id)
	return nil
}

// RevokeTokensFor removes every token set issued to subject through clientID
func (s *Store) RevokeTokensFor(ctx context.Context, subject, clientID string) (revoked int, err error) {
	done := s.track(ctx, "revoke_tokens_for")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tokens {
		if t.Subject == subject && t.ClientID == clientID {
			s.deleteTokenLocked(id)
			revoked++
		}
	}

	s.logger.Info("Revoked tokens for subject and client",
		"client_id", clientID,
		"revoked", revoked)
	return revoked, nil
}

// deleteTokenLocked must be called with the write lock held.
func (s *Store) deleteTokenLocked(id string) {
	t, ok := s.tokens[id]
	if !ok {
		return
	}
	delete(s.accessIndex, t.AccessToken)
	if t.RefreshToken != "" {
		delete(s.refreshIndex, t.RefreshToken)
	}
	delete(s.tokens, id)
	s.syncCounters()
}

// ============================================================
// TicketStore Implementation
// ============================================================

// SaveTicket stores a new ticket
func (s *Store) SaveTicket(ctx context.Context, ticket *storage.Ticket) (err error) {
	done := s.track(ctx, "save_ticket")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if ticket == nil || ticket.ID == "" {
		return fmt.Errorf("invalid ticket")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *ticket
	s.tickets[ticket.ID] = &stored
	s.syncCounters()
	return nil
}

// GetTicket retrieves a ticket by id
func (s *Store) GetTicket(ctx context.Context, id string) (ticket *storage.Ticket, err error) {
	done := s.track(ctx, "get_ticket")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
	}
	t := *stored
	return &t, nil
}

// ApproveTicket atomically flags the ticket as authorized by its resource owner
func (s *Store) ApproveTicket(ctx context.Context, id string) (ticket *storage.Ticket, err error) {
	done := s.track(ctx, "approve_ticket")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
	}
	if security.IsExpired(s.now(), stored.ExpiresAt) {
		return nil, fmt.Errorf("ticket %s: %w", id, storage.ErrExpired)
	}

	stored.IsAuthorizedByRO = true
	t := *stored
	return &t, nil
}

// ConsumeTicket atomically removes a ticket and returns it
func (s *Store) ConsumeTicket(ctx context.Context, id string) (ticket *storage.Ticket, err error) {
	done := s.track(ctx, "consume_ticket")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-delete
	defer s.mu.Unlock()

	if _, consumed := s.consumedTickets[id]; consumed {
		return nil, storage.ErrAlreadyConsumed
	}

	stored, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
	}
	if security.IsExpired(s.now(), stored.ExpiresAt) {
		return nil, fmt.Errorf("ticket %s: %w", id, storage.ErrExpired)
	}

	delete(s.tickets, id)
	s.consumedTickets[id] = stored.ExpiresAt
	s.syncCounters()
	return stored, nil
}

// DeleteTicket removes a ticket without redeeming it
func (s *Store) DeleteTicket(ctx context.Context, id string) (err error) {
	done := s.track(ctx, "delete_ticket")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[id]; !ok {
		return fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
	}
	delete(s.tickets, id)
	s.syncCounters()
	return nil
}

// ListTicketsForOwner lists the unexpired tickets of a resource owner, oldest first
func (s *Store) ListTicketsForOwner(ctx context.Context, owner string) (tickets []*storage.Ticket, err error) {
	done := s.track(ctx, "list_tickets")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, t := range s.tickets {
		if t.ResourceOwner == owner && !security.IsExpired(now, t.ExpiresAt) {
			c := *t
			tickets = append(tickets, &c)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	return tickets, nil
}

// ============================================================
// ConfirmationCodeStore Implementation
// ============================================================

func confirmationKey(subject, value string) string {
	return subject + "\x00" + value
}

// SaveConfirmationCode stores a freshly generated code
func (s *Store) SaveConfirmationCode(ctx context.Context, code *storage.ConfirmationCode) (err error) {
	done := s.track(ctx, "save_confirmation_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if code == nil || code.Value == "" || code.Subject == "" {
		return fmt.Errorf("invalid confirmation code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *code
	s.confirmationCodes[confirmationKey(code.Subject, code.Value)] = &stored
	return nil
}

// GetConfirmationCode retrieves a code without consuming it
func (s *Store) GetConfirmationCode(ctx context.Context, subject, value string) (code *storage.ConfirmationCode, err error) {
	done := s.track(ctx, "get_confirmation_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.confirmationCodes[confirmationKey(subject, value)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *stored
	return &c, nil
}

// ConsumeConfirmationCode atomically removes an unexpired code
func (s *Store) ConsumeConfirmationCode(ctx context.Context, subject, value string) (code *storage.ConfirmationCode, err error) {
	done := s.track(ctx, "consume_confirmation_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := confirmationKey(subject, value)
	stored, ok := s.confirmationCodes[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if security.IsExpiredWithGracePeriod(s.now(), stored.ExpiresAt, 0) {
		return nil, storage.ErrExpired
	}

	delete(s.confirmationCodes, key)
	return stored, nil
}

// DeleteConfirmationCode removes a code without validating it
func (s *Store) DeleteConfirmationCode(ctx context.Context, subject, value string) (err error) {
	done := s.track(ctx, "delete_confirmation_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.confirmationCodes, confirmationKey(subject, value))
	return nil
}

// ============================================================
// DeviceAuthorizationStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new device authorization
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) (err error) {
	done := s.track(ctx, "save_device_authorization")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.userCodes[auth.UserCode]; taken {
		return fmt.Errorf("user code already in use")
	}

	stored := *auth
	s.devices[auth.DeviceCode] = &stored
	s.userCodes[auth.UserCode] = auth.DeviceCode
	s.syncCounters()
	return nil
}

// GetDeviceAuthorization retrieves a device authorization by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (auth *storage.DeviceAuthorization, err error) {
	done := s.track(ctx, "get_device_authorization")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	d := *stored
	return &d, nil
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by user code
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (auth *storage.DeviceAuthorization, err error) {
	done := s.track(ctx, "get_device_authorization_by_user_code")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.devices[s.userCodes[userCode]]
	if !ok {
		return nil, storage.ErrNotFound
	}
	d := *stored
	return &d, nil
}

// ApproveDeviceAuthorization atomically moves a pending request to approved
func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, subject string) (auth *storage.DeviceAuthorization, err error) {
	done := s.track(ctx, "approve_device_authorization")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	return s.transitionDevice(userCode, storage.DeviceStatusApproved, subject)
}

// DenyDeviceAuthorization atomically moves a pending request to denied
func (s *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (auth *storage.DeviceAuthorization, err error) {
	done := s.track(ctx, "deny_device_authorization")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	return s.transitionDevice(userCode, storage.DeviceStatusDenied, "")
}

func (s *Store) transitionDevice(userCode, status, subject string) (*storage.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.devices[s.userCodes[userCode]]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if security.IsExpiredWithGracePeriod(s.now(), stored.ExpiresAt, 0) {
		return nil, storage.ErrExpired
	}
	if stored.Status != storage.DeviceStatusPending {
		return nil, storage.ErrInvalidTransition
	}

	stored.Status = status
	stored.Subject = subject
	d := *stored
	return &d, nil
}

// TouchDeviceAuthorization records a poll and returns the record as it was before
func (s *Store) TouchDeviceAuthorization(ctx context.Context, deviceCode string, at time.Time) (auth *storage.DeviceAuthorization, err error) {
	done := s.track(ctx, "touch_device_authorization")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	before := *stored
	stored.LastPolled = at
	return &before, nil
}

// ConsumeDeviceAuthorization atomically removes an approved request
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (auth *storage.DeviceAuthorization, err error) {
	done := s.track(ctx, "consume_device_authorization")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if stored.Status != storage.DeviceStatusApproved {
		return nil, storage.ErrInvalidTransition
	}

	delete(s.devices, deviceCode)
	delete(s.userCodes, stored.UserCode)
	s.syncCounters()
	return stored, nil
}

// ============================================================
// JWKSStore Implementation
// ============================================================

// GetSigningKeys returns the persisted signing keys
func (s *Store) GetSigningKeys(ctx context.Context) (keys []*storage.SigningKey, err error) {
	done := s.track(ctx, "get_signing_keys")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.signingKeys), nil
}

// SaveSigningKeys replaces the persisted signing keys
func (s *Store) SaveSigningKeys(ctx context.Context, keys []*storage.SigningKey) (err error) {
	done := s.track(ctx, "save_signing_keys")
	defer func() { done(err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.signingKeys = slices.Clone(keys)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for code, authCode := range s.authCodes {
		if security.IsExpired(now, authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	for id, t := range s.tokens {
		accessExpired := security.IsExpired(now, t.ExpiresAt())
		refreshDone := t.RefreshToken == "" || !t.ConsumedAt.IsZero() || security.IsExpired(now, t.RefreshTokenExpiresAt)
		if accessExpired && refreshDone {
			s.deleteTokenLocked(id)
			cleaned++
		}
	}

	for id, t := range s.tickets {
		if security.IsExpired(now, t.ExpiresAt) {
			delete(s.tickets, id)
			cleaned++
		}
	}
	for id, expiresAt := range s.consumedTickets {
		if security.IsExpired(now, expiresAt) {
			delete(s.consumedTickets, id)
		}
	}

	for key, c := range s.confirmationCodes {
		if security.IsExpired(now, c.ExpiresAt) {
			delete(s.confirmationCodes, key)
			cleaned++
		}
	}

	for deviceCode, d := range s.devices {
		if security.IsExpired(now, d.ExpiresAt) {
			delete(s.devices, deviceCode)
			delete(s.userCodes, d.UserCode)
			cleaned++
		}
	}

	s.syncCounters()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// track starts a span for a storage operation and returns a function that
// records the outcome. Callers defer it with their named error result.
func (s *Store) track(ctx context.Context, operation string) func(error) {
	ctx, span := s.startStorageSpan(ctx, operation)
	startTime := time.Now()
	return func(err error) {
		s.recordStorageOperation(ctx, span, operation, err, startTime)
		span.End()
	}
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
