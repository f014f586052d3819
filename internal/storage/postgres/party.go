package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/party-discounts/internal/domain/party"
)

const attendeeColumns = `id, event_id, first_name, last_name, email, customer_id, look_id,
	style, invite, pay, size, ship, is_active`

const (
	getEventSQL = `SELECT id, name, owner_id, is_active FROM events WHERE id = $1`

	getAttendeeSQL = `SELECT ` + attendeeColumns + ` FROM attendees WHERE id = $1`

	listAttendeesSQL = `SELECT ` + attendeeColumns + `
		FROM attendees WHERE event_id = $1 ORDER BY created_at, id`

	getLookSQL = `SELECT id, name, bundle_variant_id, variant_ids FROM looks WHERE id = $1`
)

var _ party.Directory = (*PartyDirectory)(nil)

// PartyDirectory implements party.Directory backed by PostgreSQL.
type PartyDirectory struct {
	pool *pgxpool.Pool
}

// NewPartyDirectory returns a PartyDirectory that uses the given pool.
func NewPartyDirectory(pool *pgxpool.Pool) *PartyDirectory {
	return &PartyDirectory{pool: pool}
}

// GetEvent returns the event with the given id or party.ErrNotFound.
func (r *PartyDirectory) GetEvent(ctx context.Context, id string) (*party.Event, error) {
	rows, err := r.pool.Query(ctx, getEventSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding event %q: %w", id, err)
	}
	ev, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (party.Event, error) {
		var ev party.Event
		err := row.Scan(&ev.ID, &ev.Name, &ev.OwnerID, &ev.IsActive)
		return ev, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, party.ErrNotFound
		}
		return nil, fmt.Errorf("finding event %q: %w", id, err)
	}
	return &ev, nil
}

// GetAttendee returns the attendee with the given id or party.ErrNotFound.
func (r *PartyDirectory) GetAttendee(ctx context.Context, id string) (*party.Attendee, error) {
	rows, err := r.pool.Query(ctx, getAttendeeSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding attendee %q: %w", id, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAttendee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, party.ErrNotFound
		}
		return nil, fmt.Errorf("finding attendee %q: %w", id, err)
	}
	return &a, nil
}

// ListAttendees returns every attendee of an event, active or not.
func (r *PartyDirectory) ListAttendees(ctx context.Context, eventID string) ([]party.Attendee, error) {
	rows, err := r.pool.Query(ctx, listAttendeesSQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing attendees of event %q: %w", eventID, err)
	}
	atts, err := pgx.CollectRows(rows, scanAttendee)
	if err != nil {
		return nil, fmt.Errorf("listing attendees of event %q: %w", eventID, err)
	}
	return atts, nil
}

// GetLook returns the look with the given id or party.ErrNotFound.
func (r *PartyDirectory) GetLook(ctx context.Context, id string) (*party.Look, error) {
	rows, err := r.pool.Query(ctx, getLookSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding look %q: %w", id, err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (party.Look, error) {
		var (
			l      party.Look
			bundle *string
		)
		err := row.Scan(&l.ID, &l.Name, &bundle, &l.VariantIDs)
		l.BundleVariantID = derefString(bundle)
		return l, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, party.ErrNotFound
		}
		return nil, fmt.Errorf("finding look %q: %w", id, err)
	}
	return &l, nil
}

func scanAttendee(row pgx.CollectableRow) (party.Attendee, error) {
	var (
		a                  party.Attendee
		customerID, lookID *string
	)
	err := row.Scan(
		&a.ID, &a.EventID, &a.FirstName, &a.LastName, &a.Email, &customerID, &lookID,
		&a.Style, &a.Invite, &a.Pay, &a.Size, &a.Ship, &a.IsActive,
	)
	a.CustomerID = derefString(customerID)
	a.LookID = derefString(lookID)
	return a, err
}
