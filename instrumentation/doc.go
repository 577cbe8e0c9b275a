// Package instrumentation provides OpenTelemetry tracing and metrics for the
// authorization server.
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    Enabled:        true,
//	    ServiceName:    "dotauth",
//	    ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//	    return err
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false every provider is a no-op and recording has no cost.
// When enabled, spans are produced by the SDK tracer provider and delivered to
// Config.SpanProcessors; metrics go to Config.MeterProvider.
//
// # Scopes
//
// Meters and tracers are named per layer:
//   - http: endpoint binding
//   - server: protocol engine (grants, authorization, UMA, device flow)
//   - storage: store operations
//   - security: rate limiting, replay detection, audit
//
// # Metrics
//
// Protocol counters: dotauth.tokens.issued.total, dotauth.grants.denied.total,
// dotauth.authorization.outcomes.total, dotauth.uma.decisions.total,
// dotauth.device.polls.total, dotauth.confirmation_codes.total.
//
// Security counters: dotauth.security.code_reuse.total,
// dotauth.security.refresh_reuse.total, dotauth.security.pkce_failed.total,
// dotauth.security.rate_limit_exceeded.total.
//
// Storage: dotauth.storage.operations.total, dotauth.storage.operation.duration
// and observable gauges for the number of codes, tokens, tickets and device
// authorizations held.
//
// # Security
//
// Never record credential values (tokens, codes, secrets) as span attributes
// or metric labels. The Attr* constants only name metadata.
package instrumentation
