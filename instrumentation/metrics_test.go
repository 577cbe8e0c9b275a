package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_InstrumentsCreated(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()
	instruments := map[string]any{
		"HTTPRequestsTotal":           m.HTTPRequestsTotal,
		"HTTPRequestDuration":         m.HTTPRequestDuration,
		"AuthorizationOutcomes":       m.AuthorizationOutcomes,
		"TokensIssued":                m.TokensIssued,
		"GrantsDenied":                m.GrantsDenied,
		"TokensRevoked":               m.TokensRevoked,
		"TicketsCreated":              m.TicketsCreated,
		"UMADecisions":                m.UMADecisions,
		"DevicePolls":                 m.DevicePolls,
		"ConfirmationCodes":           m.ConfirmationCodes,
		"KeyRotations":                m.KeyRotations,
		"RateLimitExceeded":           m.RateLimitExceeded,
		"PKCEValidationFailed":        m.PKCEValidationFailed,
		"CodeReuseDetected":           m.CodeReuseDetected,
		"RefreshTokenReuseDetected":   m.RefreshTokenReuseDetected,
		"EventsPublished":             m.EventsPublished,
		"EventsDropped":               m.EventsDropped,
		"AuditEventsTotal":            m.AuditEventsTotal,
		"StorageOperationTotal":       m.StorageOperationTotal,
		"StorageOperationDuration":    m.StorageOperationDuration,
		"StorageAuthorizationCodes":   m.StorageAuthorizationCodes,
		"StorageTokens":               m.StorageTokens,
		"StorageTickets":              m.StorageTickets,
		"StorageDeviceAuthorizations": m.StorageDeviceAuthorizations,
	}
	for name, instrument := range instruments {
		if instrument == nil {
			t.Errorf("%s was not created", name)
		}
	}
}

func TestMetrics_Recording(t *testing.T) {
	tests := []struct {
		name   string
		record func(ctx context.Context, m *Metrics)
	}{
		{"http request", func(ctx context.Context, m *Metrics) { m.RecordHTTPRequest(ctx, "POST", "/token", 200, 12.5) }},
		{"authorization outcome", func(ctx context.Context, m *Metrics) { m.RecordAuthorizationOutcome(ctx, "web", "redirect_to_callback") }},
		{"token issued", func(ctx context.Context, m *Metrics) { m.RecordTokenIssued(ctx, "web", "authorization_code") }},
		{"grant denied", func(ctx context.Context, m *Metrics) { m.RecordGrantDenied(ctx, "password", "invalid_grant") }},
		{"revocation", func(ctx context.Context, m *Metrics) { m.RecordTokenRevocation(ctx, "web") }},
		{"ticket created", func(ctx context.Context, m *Metrics) { m.RecordTicketCreated(ctx, 2) }},
		{"uma decision", func(ctx context.Context, m *Metrics) { m.RecordUMADecision(ctx, "authorized") }},
		{"device poll", func(ctx context.Context, m *Metrics) { m.RecordDevicePoll(ctx, "authorization_pending") }},
		{"confirmation code", func(ctx context.Context, m *Metrics) { m.RecordConfirmationCode(ctx, "validate", "success") }},
		{"key rotation", func(ctx context.Context, m *Metrics) { m.RecordKeyRotation(ctx, "RS256") }},
		{"rate limit", func(ctx context.Context, m *Metrics) { m.RecordRateLimitExceeded(ctx, "confirmation_code") }},
		{"pkce failure", func(ctx context.Context, m *Metrics) { m.RecordPKCEValidationFailed(ctx, "S256") }},
		{"code reuse", func(ctx context.Context, m *Metrics) { m.RecordCodeReuseDetected(ctx) }},
		{"refresh reuse", func(ctx context.Context, m *Metrics) { m.RecordRefreshTokenReuseDetected(ctx) }},
		{"event published", func(ctx context.Context, m *Metrics) { m.RecordEventPublished(ctx, "token_issued") }},
		{"event dropped", func(ctx context.Context, m *Metrics) { m.RecordEventDropped(ctx, "token_issued") }},
		{"audit event", func(ctx context.Context, m *Metrics) { m.RecordAuditEvent(ctx, "token_issued") }},
		{"storage operation", func(ctx context.Context, m *Metrics) { m.RecordStorageOperation(ctx, "save_ticket", "success", 0.4) }},
	}

	for _, enabled := range []bool{true, false} {
		inst, err := New(Config{Enabled: enabled})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tt.record(context.Background(), inst.Metrics())
			})
		}
		_ = inst.Shutdown(context.Background())
	}
}
