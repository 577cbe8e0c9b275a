package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/internal/util"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/storage"
)

// ScopeUMAProtection is the scope a protection API token must carry
const ScopeUMAProtection = "uma_protection"

// PermissionRequest asks for scopes on one resource set
type PermissionRequest struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// PermissionResponse is returned to the resource server
type PermissionResponse struct {
	TicketID string `json:"ticket_id"`
}

// RequestPermission validates the requested permissions and records them as
// a single ticket. owner is the resource owner the calling resource server
// acts for; requester carries claims already known about the requesting party.
func (s *Server) RequestPermission(ctx context.Context, owner string, requester []storage.Claim, reqs ...PermissionRequest) (*storage.Ticket, *Error) {
	ctx, span := s.startSpan(ctx, "RequestPermission")
	defer span.End()

	if len(reqs) == 0 {
		return nil, errMissingParameter("resource_set_id")
	}

	lines := make([]storage.TicketLine, 0, len(reqs))
	for _, req := range reqs {
		if req.ResourceSetID == "" {
			return nil, errMissingParameter("resource_set_id")
		}
		if len(req.Scopes) == 0 {
			return nil, NewError(ErrorCodeInvalidScope, "the parameter scopes is missing")
		}

		rs, err := s.stores.ResourceSets.GetResourceSet(ctx, req.ResourceSetID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, Errorf(ErrorCodeInvalidResourceSetID, "the resource set %s doesn't exist", req.ResourceSetID)
			}
			s.Logger.Error("Failed to load resource set", "resource_set_id", req.ResourceSetID, "error", err)
			return nil, errInternal()
		}
		if rs.Owner == "" || rs.Owner != owner {
			return nil, Errorf(ErrorCodeInvalidResourceSetID, "the resource set %s doesn't exist", req.ResourceSetID)
		}
		if invalid := util.Difference(req.Scopes, rs.Scopes); len(invalid) > 0 {
			return nil, errInvalidScopes(invalid)
		}

		lines = append(lines, storage.TicketLine{
			ResourceSetID: req.ResourceSetID,
			Scopes:        util.Unique(req.Scopes),
		})
	}

	now := s.now()
	ticket := &storage.Ticket{
		ID:            uuid.NewString(),
		ResourceOwner: owner,
		Lines:         lines,
		Requester:     requester,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(s.Config.TicketTTL) * time.Second),
	}
	if err := s.stores.Tickets.SaveTicket(ctx, ticket); err != nil {
		s.Logger.Error("Failed to save ticket", "error", err)
		return nil, errInternal()
	}

	s.metrics().RecordTicketCreated(ctx, len(lines))
	s.publish(security.EventPermissionRequested, owner, "", map[string]any{
		"ticket": ticket.ID,
		"lines":  len(lines),
	})
	instrumentation.AddUMAAttributes(span, ticket.ID, "")
	return ticket, nil
}

// ApproveAccess records the resource owner's approval of a submitted request
func (s *Server) ApproveAccess(ctx context.Context, ticketID, owner string) *Error {
	if _, oerr := s.ownedTicket(ctx, ticketID, owner); oerr != nil {
		return oerr
	}
	if _, err := s.stores.Tickets.ApproveTicket(ctx, ticketID); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return errTicketNotFound(ticketID)
		}
		s.Logger.Error("Failed to approve ticket", "ticket", ticketID, "error", err)
		return errInternal()
	}
	s.publish(security.EventTicketApproved, owner, "", map[string]any{"ticket": ticketID})
	return nil
}

// DenyAccess removes a submitted request the resource owner rejected
func (s *Server) DenyAccess(ctx context.Context, ticketID, owner string) *Error {
	if _, oerr := s.ownedTicket(ctx, ticketID, owner); oerr != nil {
		return oerr
	}
	if err := s.stores.Tickets.DeleteTicket(ctx, ticketID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("Failed to delete ticket", "ticket", ticketID, "error", err)
		return errInternal()
	}
	s.publish(security.EventTicketDenied, owner, "", map[string]any{"ticket": ticketID})
	return nil
}

// TicketsForOwner lists the pending requests awaiting a resource owner
func (s *Server) TicketsForOwner(ctx context.Context, owner string) ([]*storage.Ticket, *Error) {
	tickets, err := s.stores.Tickets.ListTicketsForOwner(ctx, owner)
	if err != nil {
		s.Logger.Error("Failed to list tickets", "error", err)
		return nil, errInternal()
	}
	return tickets, nil
}

func (s *Server) ownedTicket(ctx context.Context, ticketID, owner string) (*storage.Ticket, *Error) {
	ticket, err := s.stores.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, errTicketNotFound(ticketID)
		}
		s.Logger.Error("Failed to load ticket", "ticket", ticketID, "error", err)
		return nil, errInternal()
	}
	if ticket.ResourceOwner != owner {
		return nil, NewError(ErrorCodeAccessDenied, "the ticket belongs to another resource owner")
	}
	return ticket, nil
}
