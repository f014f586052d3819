// Package party describes the event, attendee and look records the discount
// engine reads. The records are owned elsewhere; this package only defines
// their shape and the read-only Directory used to resolve them.
package party

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by a Directory when the requested record does not
// exist.
var ErrNotFound = errors.New("party record not found")

// Event is a hosted occasion with one owner and many attendees.
type Event struct {
	ID       string
	Name     string
	OwnerID  string
	IsActive bool
}

// Attendee is a participant of an event. The boolean stages mirror the
// attendee workflow: style, invite, pay, size, ship.
type Attendee struct {
	ID        string
	EventID   string
	FirstName string
	LastName  string
	Email     string
	// CustomerID is the commerce platform customer the attendee checks out
	// as. Empty when the attendee has no account yet.
	CustomerID string
	// LookID is empty when no look has been assigned.
	LookID   string
	Style    bool
	Invite   bool
	Pay      bool
	Size     bool
	Ship     bool
	IsActive bool
}

// HasLook reports whether a look is assigned to the attendee.
func (a *Attendee) HasLook() bool { return a.LookID != "" }

// Look is a curated garment bundle. Its price is not stored: it is the
// current price of BundleVariantID on the commerce platform.
type Look struct {
	ID              string
	Name            string
	BundleVariantID string
	// VariantIDs are the individual garment variants of the look. Issued
	// discount codes are restricted to them.
	VariantIDs []string
}

// Directory resolves events, attendees and looks.
type Directory interface {
	GetEvent(ctx context.Context, id string) (*Event, error)
	GetAttendee(ctx context.Context, id string) (*Attendee, error)
	ListAttendees(ctx context.Context, eventID string) ([]Attendee, error)
	GetLook(ctx context.Context, id string) (*Look, error)
}
