package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol Metrics
	AuthorizationOutcomes metric.Int64Counter
	TokensIssued          metric.Int64Counter
	GrantsDenied          metric.Int64Counter
	TokensRevoked         metric.Int64Counter
	TicketsCreated        metric.Int64Counter
	UMADecisions          metric.Int64Counter
	DevicePolls           metric.Int64Counter
	ConfirmationCodes     metric.Int64Counter
	KeyRotations          metric.Int64Counter

	// Security Metrics
	RateLimitExceeded         metric.Int64Counter
	PKCEValidationFailed      metric.Int64Counter
	CodeReuseDetected         metric.Int64Counter
	RefreshTokenReuseDetected metric.Int64Counter

	// Event Metrics
	EventsPublished  metric.Int64Counter
	EventsDropped    metric.Int64Counter
	AuditEventsTotal metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal       metric.Int64Counter
	StorageOperationDuration    metric.Float64Histogram
	StorageAuthorizationCodes   metric.Int64ObservableGauge
	StorageTokens               metric.Int64ObservableGauge
	StorageTickets              metric.Int64ObservableGauge
	StorageDeviceAuthorizations metric.Int64ObservableGauge
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

type gaugeSpec struct {
	dst  *metric.Int64ObservableGauge
	name string
	desc string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"dotauth.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"dotauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	counters := []struct {
		meter metric.Meter
		specs []counterSpec
	}{
		{httpMeter, []counterSpec{
			{&m.HTTPRequestsTotal, "dotauth.http.requests.total", "Total number of HTTP requests"},
		}},
		{serverMeter, []counterSpec{
			{&m.AuthorizationOutcomes, "dotauth.authorization.outcomes.total", "Authorization request outcomes by kind"},
			{&m.TokensIssued, "dotauth.tokens.issued.total", "Token sets issued by grant type"},
			{&m.GrantsDenied, "dotauth.grants.denied.total", "Token requests refused by grant type and error"},
			{&m.TokensRevoked, "dotauth.tokens.revoked.total", "Tokens revoked"},
			{&m.TicketsCreated, "dotauth.uma.tickets.created.total", "UMA permission tickets created"},
			{&m.UMADecisions, "dotauth.uma.decisions.total", "UMA policy evaluation results"},
			{&m.DevicePolls, "dotauth.device.polls.total", "Device code polls by result"},
			{&m.ConfirmationCodes, "dotauth.confirmation_codes.total", "Confirmation code operations by result"},
			{&m.KeyRotations, "dotauth.jwks.rotations.total", "Signing key rotations"},
			{&m.EventsPublished, "dotauth.events.published.total", "Domain events handed to sinks"},
			{&m.EventsDropped, "dotauth.events.dropped.total", "Domain events dropped because the buffer was full"},
		}},
		{securityMeter, []counterSpec{
			{&m.RateLimitExceeded, "dotauth.security.rate_limit_exceeded.total", "Rate limit violations"},
			{&m.PKCEValidationFailed, "dotauth.security.pkce_failed.total", "PKCE verification failures"},
			{&m.CodeReuseDetected, "dotauth.security.code_reuse.total", "Authorization code replays"},
			{&m.RefreshTokenReuseDetected, "dotauth.security.refresh_reuse.total", "Refresh token replays"},
			{&m.AuditEventsTotal, "dotauth.security.audit_events.total", "Audit events written"},
		}},
		{storageMeter, []counterSpec{
			{&m.StorageOperationTotal, "dotauth.storage.operations.total", "Total storage operations"},
		}},
	}

	for _, group := range counters {
		for _, spec := range group.specs {
			*spec.dst, err = group.meter.Int64Counter(spec.name, metric.WithDescription(spec.desc))
			if err != nil {
				return nil, fmt.Errorf("failed to create %s counter: %w", spec.name, err)
			}
		}
	}

	gauges := []gaugeSpec{
		{&m.StorageAuthorizationCodes, "dotauth.storage.authorization_codes", "Authorization codes held in storage"},
		{&m.StorageTokens, "dotauth.storage.tokens", "Token sets held in storage"},
		{&m.StorageTickets, "dotauth.storage.tickets", "UMA tickets held in storage"},
		{&m.StorageDeviceAuthorizations, "dotauth.storage.device_authorizations", "Device authorizations held in storage"},
	}
	for _, spec := range gauges {
		*spec.dst, err = storageMeter.Int64ObservableGauge(spec.name, metric.WithDescription(spec.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", spec.name, err)
		}
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationOutcome records the kind of outcome an authorization request resolved to
func (m *Metrics) RecordAuthorizationOutcome(ctx context.Context, clientID, outcome string) {
	m.AuthorizationOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordTokenIssued records a token set issued through a grant
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordGrantDenied records a refused token request
func (m *Metrics) RecordGrantDenied(ctx context.Context, grantType, errorCode string) {
	m.GrantsDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTicketCreated records an UMA ticket creation
func (m *Metrics) RecordTicketCreated(ctx context.Context, lines int) {
	m.TicketsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("lines", lines),
	))
}

// RecordUMADecision records a policy evaluation result
func (m *Metrics) RecordUMADecision(ctx context.Context, result string) {
	m.UMADecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordDevicePoll records a device code poll
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordConfirmationCode records a confirmation code operation ("send", "validate")
func (m *Metrics) RecordConfirmationCode(ctx context.Context, operation, result string) {
	m.ConfirmationCodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context, algorithm string) {
	m.KeyRotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("algorithm", algorithm),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordRefreshTokenReuseDetected(ctx context.Context) {
	m.RefreshTokenReuseDetected.Add(ctx, 1)
}

// RecordEventPublished records a domain event delivered to sinks
func (m *Metrics) RecordEventPublished(ctx context.Context, eventType string) {
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEventDropped records a domain event lost to a full buffer
func (m *Metrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
