package server

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/storage"
)

// ClaimTokenFormatIDToken is the only supported claim_token_format
const ClaimTokenFormatIDToken = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"

// PolicyResult is the outcome of evaluating a ticket against its policies
type PolicyResult string

// Policy results, ordered from most to least permissive per ticket line
const (
	PolicyAuthorized       PolicyResult = "authorized"
	PolicyRequestSubmitted PolicyResult = "request_submitted"
	PolicyNeedInfo         PolicyResult = "need_info"
	PolicyNotAuthorized    PolicyResult = "not_authorized"
)

func (r PolicyResult) rank() int {
	switch r {
	case PolicyAuthorized:
		return 3
	case PolicyRequestSubmitted:
		return 2
	case PolicyNeedInfo:
		return 1
	default:
		return 0
	}
}

// RequiredClaim describes a claim the requesting party must still present
type RequiredClaim struct {
	ClaimType        string   `json:"claim_type"`
	Name             string   `json:"name"`
	FriendlyName     string   `json:"friendly_name,omitempty"`
	ClaimTokenFormat []string `json:"claim_token_format"`
	Issuer           []string `json:"issuer,omitempty"`
}

// PolicyDecision is the aggregated result for a whole ticket
type PolicyDecision struct {
	Result         PolicyResult
	RequiredClaims []RequiredClaim // set when Result is PolicyNeedInfo
}

// EvaluatePolicies decides whether clientID, acting for a requesting party
// with the given claims, may obtain the permissions a ticket asks for.
//
// Each ticket line is resolved to the most permissive result of any rule of
// any policy bound to its resource set. The ticket is then denied if any
// line is denied, otherwise it needs info if any line needs info, otherwise
// it is submitted if any line awaits the resource owner.
func (s *Server) EvaluatePolicies(ctx context.Context, clientID string, ticket *storage.Ticket, claims []storage.Claim) (*PolicyDecision, error) {
	decision := &PolicyDecision{Result: PolicyAuthorized}
	if len(ticket.Lines) == 0 {
		decision.Result = PolicyNotAuthorized
		return decision, nil
	}

	var (
		needInfo  bool
		submitted bool
	)
	for _, line := range ticket.Lines {
		policies, err := s.stores.Policies.GetPoliciesForResourceSet(ctx, line.ResourceSetID)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies for %s: %w", line.ResourceSetID, err)
		}

		result, missing := s.evaluateLine(clientID, ticket, line, policies, claims)
		switch result {
		case PolicyNotAuthorized:
			return &PolicyDecision{Result: PolicyNotAuthorized}, nil
		case PolicyNeedInfo:
			needInfo = true
			decision.RequiredClaims = appendRequiredClaims(decision.RequiredClaims, missing...)
		case PolicyRequestSubmitted:
			submitted = true
		}
	}

	switch {
	case needInfo:
		decision.Result = PolicyNeedInfo
	case submitted:
		decision.Result = PolicyRequestSubmitted
	}
	return decision, nil
}

func (s *Server) evaluateLine(clientID string, ticket *storage.Ticket, line storage.TicketLine, policies []*storage.Policy, claims []storage.Claim) (PolicyResult, []RequiredClaim) {
	best := PolicyNotAuthorized
	var missing []RequiredClaim
	for _, policy := range policies {
		for _, rule := range policy.Rules {
			result, required := s.evaluateRule(clientID, ticket, line, rule, claims)
			if result == PolicyNeedInfo {
				missing = appendRequiredClaims(missing, required...)
			}
			if result.rank() > best.rank() {
				best = result
			}
		}
	}
	if best != PolicyNeedInfo {
		missing = nil
	}
	return best, missing
}

func (s *Server) evaluateRule(clientID string, ticket *storage.Ticket, line storage.TicketLine, rule storage.PolicyRule, claims []storage.Claim) (PolicyResult, []RequiredClaim) {
	if len(rule.ClientIDsAllowed) > 0 && !slices.Contains(rule.ClientIDsAllowed, clientID) {
		return PolicyNotAuthorized, nil
	}
	if !util.IsSubset(line.Scopes, rule.Scopes) {
		return PolicyNotAuthorized, nil
	}

	var missing []RequiredClaim
	for _, required := range rule.Claims {
		values := claimValues(claims, required.Type)
		if len(values) == 0 {
			missing = append(missing, s.requiredClaim(rule, required.Type))
			continue
		}
		if !slices.Contains(values, required.Value) {
			return PolicyNotAuthorized, nil
		}
	}
	if len(missing) > 0 {
		return PolicyNeedInfo, missing
	}

	if rule.IsResourceOwnerConsentNeeded && !ticket.IsAuthorizedByRO {
		return PolicyRequestSubmitted, nil
	}
	return PolicyAuthorized, nil
}

func (s *Server) requiredClaim(rule storage.PolicyRule, claimType string) RequiredClaim {
	issuer := rule.OpenIDProvider
	if issuer == "" {
		issuer = s.Config.Issuer
	}
	return RequiredClaim{
		ClaimType:        claimType,
		Name:             claimType,
		FriendlyName:     claimType,
		ClaimTokenFormat: []string{ClaimTokenFormatIDToken},
		Issuer:           []string{issuer},
	}
}

func appendRequiredClaims(dst []RequiredClaim, claims ...RequiredClaim) []RequiredClaim {
	for _, c := range claims {
		if !slices.ContainsFunc(dst, func(e RequiredClaim) bool { return e.ClaimType == c.ClaimType }) {
			dst = append(dst, c)
		}
	}
	return dst
}

func claimValues(claims []storage.Claim, claimType string) []string {
	var out []string
	for _, c := range claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// claimsFromMap flattens token claims into typed claims. Non-string scalar
// values are formatted; nested objects are skipped.
func claimsFromMap(m map[string]any) []storage.Claim {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []storage.Claim
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			out = append(out, storage.Claim{Type: k, Value: v})
		case []any:
			for _, item := range v {
				if str, ok := item.(string); ok {
					out = append(out, storage.Claim{Type: k, Value: str})
				}
			}
		case []string:
			for _, str := range v {
				out = append(out, storage.Claim{Type: k, Value: str})
			}
		case bool, float64, int64, int:
			out = append(out, storage.Claim{Type: k, Value: fmt.Sprint(v)})
		}
	}
	return out
}
