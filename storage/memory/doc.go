// Package memory provides an in-memory implementation of the dotauth storage interfaces.
//
// A single Store satisfies every interface in the storage package using maps
// guarded by a sync.RWMutex. It is suitable for development, testing, and
// single-instance deployments where persistence is not required.
//
// Features:
//   - Atomic redemption of authorization codes, refresh tokens, tickets,
//     confirmation codes and device authorizations
//   - Tombstones for consumed codes, refresh tokens and tickets so replays are
//     reported as storage.ErrAlreadyConsumed instead of storage.ErrNotFound
//   - Automatic cleanup of expired records on a configurable interval
//   - OpenTelemetry spans, operation metrics and size gauges via SetInstrumentation
//
// Reference data (clients, scopes, resource owners, resource sets, policies)
// is seeded through the Save* methods that are not part of the read-only
// storage interfaces.
//
// For multi-instance deployments, pair this store with storage/valkey for the
// single-use records.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.SaveClient(ctx, &storage.Client{ClientID: "web"})
//	srv, _ := server.New(server.StoresFrom(store), server.DefaultConfig(), logger)
package memory
