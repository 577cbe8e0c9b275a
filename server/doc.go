// Package server implements the OAuth2 / OpenID Connect / UMA2 authorization
// server engine.
//
// The Server type exposes one method per protocol operation and is agnostic
// of the transport; the root package maps HTTP requests onto it. Every
// operation returns either a result or an *Error carrying the protocol
// error code and description.
//
// The Server type delegates to specialized modules:
//   - Client authentication (client_secret_basic/post/jwt, private_key_jwt, mTLS)
//   - Grant handlers (password, authorization_code, refresh_token,
//     client_credentials, uma-ticket, device_code)
//   - The authorization endpoint pipeline with consent and two-factor steps
//   - UMA permission tickets and policy evaluation
//   - Signing key management and JWKS publication
//   - Security events delivered asynchronously to sinks
//
// Key Features:
//   - PKCE (S256, plain only when enabled)
//   - Authorization code and refresh token reuse detection with family revocation
//   - Signed request objects by value or by reference
//   - Token introspection and revocation
//   - Comprehensive security auditing
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(server.StoresFrom(store), &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	resp, oerr := srv.Token(ctx, server.TokenRequest{
//	    GrantType:   server.GrantTypeClientCredentials,
//	    Credentials: server.ClientCredentials{ClientID: "api", ClientSecret: "secret"},
//	    Scope:       "api1",
//	})
package server
