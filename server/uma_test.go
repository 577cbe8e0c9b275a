package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jjrdk/dotauth/internal/testutil"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

const umaClientID = "uma-client"

// newUMAEnv seeds a resource set owned by the test subject, a policy on it
// and a client allowed to use the uma-ticket grant
func newUMAEnv(t *testing.T, rules ...storage.PolicyRule) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	client.ClientID = umaClientID
	client.GrantTypes = []string{GrantTypeUMATicket}
	env.saveClient(t, client)

	testutil.AssertNoError(t, env.store.SaveResourceSet(ctx, &storage.ResourceSet{
		ID:     "photos",
		Owner:  testutil.TestSubject,
		Name:   "Photo album",
		Scopes: []string{"read", "write"},
	}))
	testutil.AssertNoError(t, env.store.SaveResourceSet(ctx, &storage.ResourceSet{
		ID:     "other-owner",
		Owner:  "someone-else",
		Scopes: []string{"read"},
	}))
	testutil.AssertNoError(t, env.store.SavePolicy(ctx, &storage.Policy{
		ID:             "policy-1",
		Owner:          testutil.TestSubject,
		ResourceSetIDs: []string{"photos"},
		Rules:          rules,
	}))
	return env
}

func umaCredentials() ClientCredentials {
	return ClientCredentials{ClientID: umaClientID, ClientSecret: testutil.TestClientSecret, BasicAuth: true}
}

func umaRequest(ticket string) *TokenRequest {
	return &TokenRequest{GrantType: GrantTypeUMATicket, Credentials: umaCredentials(), Ticket: ticket}
}

func TestRequestPermission(t *testing.T) {
	env := newUMAEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		reqs      []PermissionRequest
		wantCode  string
		wantDescr string
	}{
		{
			name: "single resource set",
			reqs: []PermissionRequest{{ResourceSetID: "photos", Scopes: []string{"read"}}},
		},
		{
			name: "bulk request",
			reqs: []PermissionRequest{
				{ResourceSetID: "photos", Scopes: []string{"read"}},
				{ResourceSetID: "photos", Scopes: []string{"write", "write"}},
			},
		},
		{
			name:      "no request",
			wantCode:  ErrorCodeInvalidRequest,
			wantDescr: "the parameter resource_set_id is missing",
		},
		{
			name:      "missing resource set id",
			reqs:      []PermissionRequest{{Scopes: []string{"read"}}},
			wantCode:  ErrorCodeInvalidRequest,
			wantDescr: "the parameter resource_set_id is missing",
		},
		{
			name:      "missing scopes",
			reqs:      []PermissionRequest{{ResourceSetID: "photos"}},
			wantCode:  ErrorCodeInvalidScope,
			wantDescr: "the parameter scopes is missing",
		},
		{
			name:      "unknown resource set",
			reqs:      []PermissionRequest{{ResourceSetID: "nope", Scopes: []string{"read"}}},
			wantCode:  ErrorCodeInvalidResourceSetID,
			wantDescr: "the resource set nope doesn't exist",
		},
		{
			name:      "resource set of another owner",
			reqs:      []PermissionRequest{{ResourceSetID: "other-owner", Scopes: []string{"read"}}},
			wantCode:  ErrorCodeInvalidResourceSetID,
			wantDescr: "the resource set other-owner doesn't exist",
		},
		{
			name:      "scope not offered by the resource set",
			reqs:      []PermissionRequest{{ResourceSetID: "photos", Scopes: []string{"delete"}}},
			wantCode:  ErrorCodeInvalidScope,
			wantDescr: "the scopes delete are not allowed or invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, tt.reqs...)
			if tt.wantCode != "" {
				assertErrorCode(t, oerr, tt.wantCode)
				if oerr.Description != tt.wantDescr {
					t.Errorf("Description = %q, want %q", oerr.Description, tt.wantDescr)
				}
				return
			}
			assertNoOAuthError(t, oerr)
			if len(ticket.Lines) != len(tt.reqs) {
				t.Errorf("ticket lines = %d, want %d", len(ticket.Lines), len(tt.reqs))
			}
			if !ticket.ExpiresAt.After(env.clock.Now()) {
				t.Error("ticket already expired")
			}
		})
	}

	if !env.events.has(security.EventPermissionRequested) {
		t.Error("expected a permission requested event")
	}
}

func TestEvaluatePolicies(t *testing.T) {
	ctx := context.Background()
	ticket := &storage.Ticket{
		ID:            "t",
		ResourceOwner: testutil.TestSubject,
		Lines:         []storage.TicketLine{{ResourceSetID: "photos", Scopes: []string{"read"}}},
	}

	tests := []struct {
		name         string
		rules        []storage.PolicyRule
		clientID     string
		claims       []storage.Claim
		authorizedRO bool
		want         PolicyResult
		wantRequired []string
	}{
		{
			name:     "no policy",
			clientID: umaClientID,
			want:     PolicyNotAuthorized,
		},
		{
			name:     "open rule",
			rules:    []storage.PolicyRule{{Scopes: []string{"read"}}},
			clientID: umaClientID,
			want:     PolicyAuthorized,
		},
		{
			name:     "client not allowed",
			rules:    []storage.PolicyRule{{ClientIDsAllowed: []string{"another"}, Scopes: []string{"read"}}},
			clientID: umaClientID,
			want:     PolicyNotAuthorized,
		},
		{
			name:     "scope not covered",
			rules:    []storage.PolicyRule{{Scopes: []string{"write"}}},
			clientID: umaClientID,
			want:     PolicyNotAuthorized,
		},
		{
			name:         "missing claim",
			rules:        []storage.PolicyRule{{Scopes: []string{"read"}, Claims: []storage.Claim{{Type: "role", Value: "admin"}}}},
			clientID:     umaClientID,
			want:         PolicyNeedInfo,
			wantRequired: []string{"role"},
		},
		{
			name:     "claim value mismatch",
			rules:    []storage.PolicyRule{{Scopes: []string{"read"}, Claims: []storage.Claim{{Type: "role", Value: "admin"}}}},
			clientID: umaClientID,
			claims:   []storage.Claim{{Type: "role", Value: "guest"}},
			want:     PolicyNotAuthorized,
		},
		{
			name:     "claim matches",
			rules:    []storage.PolicyRule{{Scopes: []string{"read"}, Claims: []storage.Claim{{Type: "role", Value: "admin"}}}},
			clientID: umaClientID,
			claims:   []storage.Claim{{Type: "role", Value: "guest"}, {Type: "role", Value: "admin"}},
			want:     PolicyAuthorized,
		},
		{
			name:     "consent needed",
			rules:    []storage.PolicyRule{{Scopes: []string{"read"}, IsResourceOwnerConsentNeeded: true}},
			clientID: umaClientID,
			want:     PolicyRequestSubmitted,
		},
		{
			name:         "consent given",
			rules:        []storage.PolicyRule{{Scopes: []string{"read"}, IsResourceOwnerConsentNeeded: true}},
			clientID:     umaClientID,
			authorizedRO: true,
			want:         PolicyAuthorized,
		},
		{
			name: "most permissive rule wins",
			rules: []storage.PolicyRule{
				{Scopes: []string{"read"}, Claims: []storage.Claim{{Type: "role", Value: "admin"}}},
				{Scopes: []string{"read"}, IsResourceOwnerConsentNeeded: true},
			},
			clientID: umaClientID,
			want:     PolicyRequestSubmitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newUMAEnv(t, tt.rules...)
			tk := *ticket
			tk.IsAuthorizedByRO = tt.authorizedRO

			decision, err := env.srv.EvaluatePolicies(ctx, tt.clientID, &tk, tt.claims)
			testutil.AssertNoError(t, err)
			if decision.Result != tt.want {
				t.Fatalf("Result = %q, want %q", decision.Result, tt.want)
			}

			var got []string
			for _, c := range decision.RequiredClaims {
				got = append(got, c.ClaimType)
				if len(c.Issuer) != 1 || c.Issuer[0] != testIssuer {
					t.Errorf("required claim issuer = %v, want %s", c.Issuer, testIssuer)
				}
			}
			if len(got) != len(tt.wantRequired) {
				t.Errorf("required claims = %v, want %v", got, tt.wantRequired)
			}
		})
	}
}

func TestEvaluatePolicies_AnyDeniedLineDeniesTicket(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{Scopes: []string{"read"}})

	decision, err := env.srv.EvaluatePolicies(context.Background(), umaClientID, &storage.Ticket{
		Lines: []storage.TicketLine{
			{ResourceSetID: "photos", Scopes: []string{"read"}},
			{ResourceSetID: "photos", Scopes: []string{"write"}},
		},
	}, nil)
	testutil.AssertNoError(t, err)
	if decision.Result != PolicyNotAuthorized {
		t.Errorf("Result = %q, want %q", decision.Result, PolicyNotAuthorized)
	}
}

func TestUMAGrant_Authorized(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{Scopes: []string{"read", "write"}})
	ctx := context.Background()

	ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, PermissionRequest{ResourceSetID: "photos", Scopes: []string{"read"}})
	assertNoOAuthError(t, oerr)

	resp, oerr := env.srv.Token(ctx, umaRequest(ticket.ID))
	assertNoOAuthError(t, oerr)
	if resp.RefreshToken != "" {
		t.Error("an RPT is issued without a refresh token")
	}

	rpt, oerr := env.srv.IntrospectRPT(ctx, umaCredentials(), resp.AccessToken)
	assertNoOAuthError(t, oerr)
	if !rpt.Active || len(rpt.Permissions) != 1 {
		t.Fatalf("IntrospectRPT() = %+v", rpt)
	}
	if p := rpt.Permissions[0]; p.ResourceSetID != "photos" || p.ExpiresAt == 0 {
		t.Errorf("permission = %+v", p)
	}
	if rpt.Sub != umaClientID {
		t.Errorf("Sub = %q, want the client id without a claim token", rpt.Sub)
	}

	// a ticket is single use
	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertErrorCode(t, oerr, ErrorCodeInvalidTicket)
}

func TestUMAGrant_NeedInfoThenClaimToken(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{
		Scopes: []string{"read"},
		Claims: []storage.Claim{{Type: "role", Value: "admin"}},
	})
	ctx := context.Background()

	ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, PermissionRequest{ResourceSetID: "photos", Scopes: []string{"read"}})
	assertNoOAuthError(t, oerr)

	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertErrorCode(t, oerr, ErrorCodeNeedInfo)
	if oerr.Details["ticket"] != ticket.ID || oerr.Details["redirect_user"] != false {
		t.Errorf("Details = %v", oerr.Details)
	}
	required, ok := oerr.Details["required_claims"].([]RequiredClaim)
	if !ok || len(required) != 1 || required[0].ClaimType != "role" {
		t.Fatalf("required_claims = %v", oerr.Details["required_claims"])
	}

	claimToken, err := env.srv.Keys.Sign(jwt.MapClaims{
		"iss":  testIssuer,
		"aud":  []string{umaClientID},
		"azp":  umaClientID,
		"sub":  "bob",
		"role": []string{"user", "admin"},
		"exp":  env.clock.Now().Add(time.Minute).Unix(),
	})
	testutil.AssertNoError(t, err)

	req := umaRequest(ticket.ID)
	req.ClaimToken = claimToken
	req.ClaimTokenFormat = ClaimTokenFormatIDToken
	resp, oerr := env.srv.Token(ctx, req)
	assertNoOAuthError(t, oerr)

	claims, err := env.srv.Keys.Verify(resp.AccessToken)
	testutil.AssertNoError(t, err)
	if claims["sub"] != "bob" {
		t.Errorf("sub = %v, want the requesting party", claims["sub"])
	}
}

func TestUMAGrant_InvalidClaimToken(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{Scopes: []string{"read"}})
	ctx := context.Background()

	ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, PermissionRequest{ResourceSetID: "photos", Scopes: []string{"read"}})
	assertNoOAuthError(t, oerr)

	req := umaRequest(ticket.ID)
	req.ClaimToken = "not-a-jwt"
	_, oerr = env.srv.Token(ctx, req)
	assertErrorCode(t, oerr, ErrorCodeInvalidGrant)

	// a token this server signed for another purpose
	for _, claims := range []jwt.MapClaims{
		{"sub": "bob", "aud": umaClientID, "client_id": umaClientID},
		{"sub": "bob", "aud": []string{"other-client"}, "azp": "other-client"},
	} {
		claims["iss"] = testIssuer
		claims["exp"] = env.clock.Now().Add(time.Minute).Unix()
		signed, err := env.srv.Keys.Sign(claims)
		testutil.AssertNoError(t, err)
		req.ClaimToken = signed
		_, oerr = env.srv.Token(ctx, req)
		assertErrorCode(t, oerr, ErrorCodeInvalidGrant)
	}

	req.ClaimTokenFormat = "urn:unsupported"
	_, oerr = env.srv.Token(ctx, req)
	assertErrorCode(t, oerr, ErrorCodeInvalidRequest)
}

func TestUMAGrant_RequestSubmittedThenApproved(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{Scopes: []string{"read"}, IsResourceOwnerConsentNeeded: true})
	ctx := context.Background()

	ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, PermissionRequest{ResourceSetID: "photos", Scopes: []string{"read"}})
	assertNoOAuthError(t, oerr)

	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertErrorCode(t, oerr, ErrorCodeRequestSubmitted)
	if oerr.Details["ticket"] != ticket.ID {
		t.Errorf("Details = %v", oerr.Details)
	}

	pending, oerr := env.srv.TicketsForOwner(ctx, testutil.TestSubject)
	assertNoOAuthError(t, oerr)
	if len(pending) != 1 || pending[0].ID != ticket.ID {
		t.Fatalf("TicketsForOwner() = %v", pending)
	}

	assertErrorCode(t, env.srv.ApproveAccess(ctx, ticket.ID, "someone-else"), ErrorCodeAccessDenied)
	assertNoOAuthError(t, env.srv.ApproveAccess(ctx, ticket.ID, testutil.TestSubject))
	if !env.events.has(security.EventTicketApproved) {
		t.Error("expected a ticket approved event")
	}

	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertNoOAuthError(t, oerr)
}

func TestUMAGrant_DeniedAndExpired(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{ClientIDsAllowed: []string{"another"}, Scopes: []string{"read"}})
	ctx := context.Background()

	ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, PermissionRequest{ResourceSetID: "photos", Scopes: []string{"read"}})
	assertNoOAuthError(t, oerr)

	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertErrorCode(t, oerr, ErrorCodeAccessDenied)
	if !env.events.has(security.EventPolicyDenied) {
		t.Error("expected a policy denied event")
	}

	env.clock.Advance(2 * time.Hour)
	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertErrorCode(t, oerr, ErrorCodeInvalidTicket)

	_, oerr = env.srv.Token(ctx, umaRequest("unknown"))
	assertErrorCode(t, oerr, ErrorCodeInvalidTicket)
}

func TestDenyAccess(t *testing.T) {
	env := newUMAEnv(t, storage.PolicyRule{Scopes: []string{"read"}, IsResourceOwnerConsentNeeded: true})
	ctx := context.Background()

	ticket, oerr := env.srv.RequestPermission(ctx, testutil.TestSubject, nil, PermissionRequest{ResourceSetID: "photos", Scopes: []string{"read"}})
	assertNoOAuthError(t, oerr)

	assertNoOAuthError(t, env.srv.DenyAccess(ctx, ticket.ID, testutil.TestSubject))
	if !env.events.has(security.EventTicketDenied) {
		t.Error("expected a ticket denied event")
	}

	_, oerr = env.srv.Token(ctx, umaRequest(ticket.ID))
	assertErrorCode(t, oerr, ErrorCodeInvalidTicket)
	assertErrorCode(t, env.srv.DenyAccess(ctx, ticket.ID, testutil.TestSubject), ErrorCodeInvalidTicket)
}

func TestClaimsFromMap(t *testing.T) {
	claims := claimsFromMap(map[string]any{
		"sub":    "alice",
		"roles":  []any{"a", "b", 3},
		"admin":  true,
		"exp":    float64(10),
		"nested": map[string]any{"x": "y"},
	})

	got := map[string][]string{}
	for _, c := range claims {
		got[c.Type] = append(got[c.Type], c.Value)
	}
	if len(got["roles"]) != 2 || got["sub"][0] != "alice" || got["admin"][0] != "true" || got["exp"][0] != "10" {
		t.Errorf("claimsFromMap() = %v", got)
	}
	if _, ok := got["nested"]; ok {
		t.Error("nested objects must be skipped")
	}
}
