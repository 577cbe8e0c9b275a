// Package valkey provides a Valkey storage backend for the dotauth authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// A single Store implements every interface of the storage package, so
//
//	srv, err := server.New(server.StoresFrom(store), cfg, logger)
//
// runs the server on Valkey alone. It suits deployments that need:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//
// # Key Schema
//
// All keys use a configurable prefix (default "dotauth:"):
//
//	{prefix}client:{clientID}                 -> JSON(Client)
//	{prefix}scope:{name}                      -> JSON(Scope)
//	{prefix}scopes                            -> SET of scope names
//	{prefix}owner:{subject}                   -> JSON(ResourceOwner)
//	{prefix}resourceset:{id}                  -> JSON(ResourceSet)
//	{prefix}policy:{id}                       -> JSON(Policy)
//	{prefix}resourceset:policies:{id}         -> SET of policy ids
//	{prefix}consent:{id}                      -> JSON(Consent)
//	{prefix}owner:consents:{subject}          -> SET of consent ids
//	{prefix}code:{code}                       -> envelope(AuthorizationCode)
//	{prefix}token:{id}                        -> envelope(GrantedToken)
//	{prefix}access:{token}                    -> token set id
//	{prefix}refresh:{token}                   -> token set id
//	{prefix}userclient:{subject}:{clientID}   -> SET of token set ids
//	{prefix}ticket:{id}                       -> envelope(Ticket)
//	{prefix}ticket:used:{id}                  -> tombstone
//	{prefix}owner:tickets:{subject}           -> SET of ticket ids
//	{prefix}confirmation:{subject}:{value}    -> envelope(ConfirmationCode)
//	{prefix}device:{deviceCode}               -> envelope(DeviceAuthorization)
//	{prefix}usercode:{userCode}               -> device code
//	{prefix}jwks                              -> JSON([]SigningKey), sealed when encrypted
//
// # Atomic Operations
//
// Single-use records live in an envelope whose mutable state is changed by
// Lua scripts, so redeeming an authorization code, a refresh token, a ticket,
// a confirmation code or a device code succeeds for exactly one caller.
// Codes and refresh tokens stay as tombstones after use and tickets leave a
// marker key, so replays return storage.ErrAlreadyConsumed.
//
// # Encryption at Rest
//
// With an encryptor configured, the identity claims embedded in codes and
// tokens and the private signing keys are sealed with AES-256-GCM:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
