// Package storage defines the store contracts consumed by the authorization
// server engine and the records they persist.
//
// The engine only depends on the interfaces in this package:
//   - ClientStore, ScopeStore, ResourceOwnerStore: read-only lookups
//   - AuthorizationCodeStore, TokenStore: issued credentials
//   - ConsentStore: resource owner consents
//   - ResourceSetStore, TicketStore, PolicyStore: UMA
//   - ConfirmationCodeStore, DeviceAuthorizationStore: second factor and device flow
//   - JWKSStore: signing keys
//
// Single-use records (authorization codes, refresh tokens, tickets,
// confirmation codes, device codes) are redeemed through Consume* methods that
// implementations MUST make atomic: under concurrent attempts at most one
// caller succeeds and the others observe ErrAlreadyConsumed or ErrNotFound.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible storage for the single-use records
package storage
