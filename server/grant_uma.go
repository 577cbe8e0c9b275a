package server

import (
	"context"
	"errors"
	"time"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

type umaTicketGrant struct {
	srv *Server
}

func (g *umaTicketGrant) GrantType() string { return GrantTypeUMATicket }

func (g *umaTicketGrant) Validate(req *TokenRequest) *Error {
	if req.Ticket == "" {
		return errMissingParameter("ticket")
	}
	if req.ClaimToken != "" && req.ClaimTokenFormat != "" && req.ClaimTokenFormat != ClaimTokenFormatIDToken {
		return Errorf(ErrorCodeInvalidRequest, "the claim_token_format %s is not supported", req.ClaimTokenFormat)
	}
	return nil
}

func (g *umaTicketGrant) Handle(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.GrantedToken, *Error) {
	s := g.srv
	ctx, span := s.startSpan(ctx, "umaTicketGrant")
	defer span.End()

	ticket, err := s.stores.Tickets.GetTicket(ctx, req.Ticket)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, errTicketNotFound(req.Ticket)
		}
		s.Logger.Error("Failed to load ticket", "client_id", client.ClientID, "error", err)
		return nil, errInternal()
	}
	if security.IsExpired(s.now(), ticket.ExpiresAt) {
		return nil, NewError(ErrorCodeInvalidTicket, "the ticket has expired")
	}

	claims := ticket.Requester
	if req.ClaimToken != "" {
		tokenClaims, err := s.verifyIDToken(req.ClaimToken, client.ClientID)
		if err != nil {
			s.publish(security.EventInvalidSignature, "", client.ClientID, map[string]any{"parameter": "claim_token"})
			return nil, NewError(ErrorCodeInvalidGrant, "the claim_token is not valid")
		}
		claims = claimsFromMap(tokenClaims)
	}

	decision, err := s.EvaluatePolicies(ctx, client.ClientID, ticket, claims)
	if err != nil {
		s.Logger.Error("Failed to evaluate policies", "ticket", ticket.ID, "error", err)
		return nil, errInternal()
	}
	s.metrics().RecordUMADecision(ctx, string(decision.Result))
	instrumentation.AddUMAAttributes(span, ticket.ID, string(decision.Result))

	switch decision.Result {
	case PolicyNotAuthorized:
		s.publish(security.EventPolicyDenied, ticket.ResourceOwner, client.ClientID, map[string]any{"ticket": ticket.ID})
		return nil, NewError(ErrorCodeAccessDenied, "the client is not authorized")
	case PolicyNeedInfo:
		oerr := NewError(ErrorCodeNeedInfo, "the requesting party must provide more claims")
		oerr.Details = map[string]any{
			"ticket":          ticket.ID,
			"required_claims": decision.RequiredClaims,
			"redirect_user":   false,
		}
		return nil, oerr
	case PolicyRequestSubmitted:
		oerr := NewError(ErrorCodeRequestSubmitted, "the request has been submitted to the resource owner")
		oerr.Details = map[string]any{"ticket": ticket.ID}
		return nil, oerr
	}

	consumed, err := s.stores.Tickets.ConsumeTicket(ctx, ticket.ID)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, errTicketNotFound(ticket.ID)
		}
		s.Logger.Error("Failed to consume ticket", "ticket", ticket.ID, "error", err)
		return nil, errInternal()
	}

	expires := s.now().Add(time.Duration(s.Config.AccessTokenTTL) * time.Second).Unix()
	var (
		permissions []storage.Permission
		scopes      []string
	)
	for _, line := range consumed.Lines {
		permissions = append(permissions, storage.Permission{
			ResourceSetID: line.ResourceSetID,
			Scopes:        line.Scopes,
			ExpiresAt:     expires,
		})
		scopes = append(scopes, line.Scopes...)
	}

	subject := client.ClientID
	if sub := claimValues(claims, "sub"); len(sub) > 0 {
		subject = sub[0]
	}

	return s.issueToken(ctx, issueParams{
		client:      client,
		subject:     subject,
		scopes:      util.Unique(scopes),
		permissions: permissions,
	})
}
