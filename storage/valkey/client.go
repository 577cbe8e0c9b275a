package valkey

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jjrdk/dotauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := s.setJSON(ctx, s.clientKey(client.ClientID), client, time.Time{}); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := getJSON[storage.Client](ctx, s, s.clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, err)
	}
	return client, nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

// SaveScope registers a scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("invalid scope")
	}
	if err := s.setJSON(ctx, s.scopeKey(scope.Name), scope, time.Time{}); err != nil {
		return fmt.Errorf("failed to save scope: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.scopeIndexKey()).Member(scope.Name).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index scope: %w", err)
	}
	return nil
}

// GetScopes returns the known scopes among names, in the order requested
func (s *Store) GetScopes(ctx context.Context, names ...string) ([]*storage.Scope, error) {
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = s.scopeKey(name)
	}
	return getMany[storage.Scope](ctx, s, keys)
}

// ListScopes returns every known scope sorted by name
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	names, err := s.members(ctx, s.scopeIndexKey())
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return s.GetScopes(ctx, names...)
}

// ============================================================
// ResourceOwnerStore Implementation
// ============================================================

// SaveResourceOwner registers a resource owner
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) error {
	if owner == nil || owner.Subject == "" {
		return fmt.Errorf("invalid resource owner")
	}
	if err := s.setJSON(ctx, s.ownerKey(owner.Subject), owner, time.Time{}); err != nil {
		return fmt.Errorf("failed to save resource owner: %w", err)
	}
	return nil
}

// GetResourceOwner retrieves a resource owner by subject
func (s *Store) GetResourceOwner(ctx context.Context, subject string) (*storage.ResourceOwner, error) {
	owner, err := getJSON[storage.ResourceOwner](ctx, s, s.ownerKey(subject))
	if err != nil {
		return nil, fmt.Errorf("resource owner: %w", err)
	}
	return owner, nil
}

// ============================================================
// ResourceSetStore and PolicyStore Implementation
// ============================================================

// SaveResourceSet registers a resource set
func (s *Store) SaveResourceSet(ctx context.Context, rs *storage.ResourceSet) error {
	if rs == nil || rs.ID == "" {
		return fmt.Errorf("invalid resource set")
	}
	if err := s.setJSON(ctx, s.resourceSetKey(rs.ID), rs, time.Time{}); err != nil {
		return fmt.Errorf("failed to save resource set: %w", err)
	}
	return nil
}

// GetResourceSet retrieves a resource set by id
func (s *Store) GetResourceSet(ctx context.Context, id string) (*storage.ResourceSet, error) {
	rs, err := getJSON[storage.ResourceSet](ctx, s, s.resourceSetKey(id))
	if err != nil {
		return nil, fmt.Errorf("resource set %s: %w", id, err)
	}
	return rs, nil
}

// SavePolicy registers a policy and indexes it under each of its resource sets
func (s *Store) SavePolicy(ctx context.Context, policy *storage.Policy) error {
	if policy == nil || policy.ID == "" {
		return fmt.Errorf("invalid policy")
	}
	if err := s.setJSON(ctx, s.policyKey(policy.ID), policy, time.Time{}); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	for _, rsID := range policy.ResourceSetIDs {
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.policyIndexKey(rsID)).Member(policy.ID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index policy: %w", err)
		}
	}
	return nil
}

// GetPoliciesForResourceSet returns the policies bound to a resource set, ordered by id
func (s *Store) GetPoliciesForResourceSet(ctx context.Context, resourceSetID string) ([]*storage.Policy, error) {
	ids, err := s.members(ctx, s.policyIndexKey(resourceSetID))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.policyKey(id)
	}
	found, err := getMany[storage.Policy](ctx, s, keys)
	if err != nil {
		return nil, err
	}

	// a policy re-saved without this resource set leaves a stale index entry
	policies := found[:0]
	for _, p := range found {
		for _, id := range p.ResourceSetIDs {
			if id == resourceSetID {
				policies = append(policies, p)
				break
			}
		}
	}
	return policies, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// SaveConsent stores a consent
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) error {
	if consent == nil || consent.ID == "" {
		return fmt.Errorf("invalid consent")
	}
	if err := s.setJSON(ctx, s.consentKey(consent.ID), consent, time.Time{}); err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.consentIndexKey(consent.Subject)).Member(consent.ID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index consent: %w", err)
	}
	return nil
}

// GetConsentsForSubject lists the consents of a resource owner, ordered by id
func (s *Store) GetConsentsForSubject(ctx context.Context, subject string) ([]*storage.Consent, error) {
	ids, err := s.members(ctx, s.consentIndexKey(subject))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.consentKey(id)
	}
	return getMany[storage.Consent](ctx, s, keys)
}

// DeleteConsent removes a consent
func (s *Store) DeleteConsent(ctx context.Context, consentID string) error {
	consent, err := getJSON[storage.Consent](ctx, s, s.consentKey(consentID))
	if err != nil {
		return fmt.Errorf("consent %s: %w", consentID, err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.consentKey(consentID)).Build(),
		s.client.B().Srem().Key(s.consentIndexKey(consent.Subject)).Member(consentID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to delete consent: %w", err)
		}
	}
	return nil
}
