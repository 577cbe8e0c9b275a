package dotauth

import (
	"time"

	"github.com/jjrdk/dotauth/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// State echoes the client state of an authorization request
	State string `json:"state,omitempty"`
}

// TicketLineView is one resource set of a pending ticket
type TicketLineView struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// TicketView is a UMA ticket as shown to its resource owner
type TicketView struct {
	ID               string              `json:"id"`
	Lines            []TicketLineView    `json:"permissions"`
	Requester        map[string][]string `json:"requester,omitempty"`
	IsAuthorizedByRO bool                `json:"is_authorized_by_ro"`
	CreatedAt        int64               `json:"created_at"`
	ExpiresAt        int64               `json:"expires_at"`
}

func newTicketView(t *storage.Ticket) TicketView {
	view := TicketView{
		ID:               t.ID,
		Lines:            make([]TicketLineView, 0, len(t.Lines)),
		IsAuthorizedByRO: t.IsAuthorizedByRO,
		CreatedAt:        unixOrZero(t.CreatedAt),
		ExpiresAt:        unixOrZero(t.ExpiresAt),
	}
	for _, l := range t.Lines {
		view.Lines = append(view.Lines, TicketLineView{ResourceSetID: l.ResourceSetID, Scopes: l.Scopes})
	}
	if len(t.Requester) > 0 {
		view.Requester = make(map[string][]string)
		for _, c := range t.Requester {
			view.Requester[c.Type] = append(view.Requester[c.Type], c.Value)
		}
	}
	return view
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
