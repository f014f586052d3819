package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/domain/party"
)

// remaining is what is left to pay of a look after the counted discounts,
// never below zero.
func remaining(price decimal.Decimal, rows []Discount) decimal.Decimal {
	left := price.Sub(sumAmounts(rows, (*Discount).Counted))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// RemainingAmount returns what is left to pay of the attendee's look. The
// look price is fetched live on every call. Attendees without a look have
// nothing to pay.
func (e *Engine) RemainingAmount(ctx context.Context, attendeeID string) (decimal.Decimal, error) {
	ctx, span := e.tracer.Start(ctx, "discount.RemainingAmount",
		trace.WithAttributes(attribute.String("attendee.id", attendeeID)),
	)
	defer span.End()

	att, err := e.activeAttendee(ctx, "", attendeeID)
	if err != nil {
		return decimal.Zero, err
	}
	if !att.HasLook() {
		return decimal.Zero, nil
	}
	_, price, err := e.lookPrice(ctx, att.LookID)
	if err != nil {
		return decimal.Zero, err
	}
	rows, err := e.store.ListByAttendee(ctx, att.ID)
	if err != nil {
		return decimal.Zero, serviceError(err, "Failed to load discounts of attendee %s", att.ID)
	}
	return remaining(price, rows), nil
}

// ListEventDiscounts returns one summary per active attendee of an event.
// Once the party is large enough the party-of-N incentive is issued for
// attendees that do not have it yet; failures there are logged and leave
// the summary without the incentive.
func (e *Engine) ListEventDiscounts(ctx context.Context, eventID string) ([]AttendeeSummary, error) {
	ctx, span := e.tracer.Start(ctx, "discount.ListEventDiscounts",
		trace.WithAttributes(attribute.String("event.id", eventID)),
	)
	defer span.End()

	ev, err := e.activeEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	all, err := e.party.ListAttendees(ctx, ev.ID)
	if err != nil {
		return nil, serviceError(err, "Failed to list attendees of event %s", ev.ID)
	}
	attendees := make([]party.Attendee, 0, len(all))
	partySize := 0
	for _, a := range all {
		if !a.IsActive {
			continue
		}
		attendees = append(attendees, a)
		if a.Invite {
			partySize++
		}
	}

	looks, prices, err := e.looksWithPrices(ctx, attendees)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.ListByEvent(ctx, ev.ID)
	if err != nil {
		return nil, serviceError(err, "Failed to load discounts of event %s", ev.ID)
	}
	byAttendee := make(map[string][]Discount, len(attendees))
	for _, d := range rows {
		byAttendee[d.AttendeeID] = append(byAttendee[d.AttendeeID], d)
	}

	lg := zctx.From(ctx)
	out := make([]AttendeeSummary, 0, len(attendees))
	for i := range attendees {
		att := &attendees[i]
		own := byAttendee[att.ID]

		if partySize >= e.cfg.Incentive.PartySize && findType(own, TypePartyOfN) == nil {
			d, err := e.ensurePartyIncentive(ctx, att, own, partySize)
			if err != nil {
				lg.Warn("Failed to issue party incentive",
					zap.String("attendee_id", att.ID),
					zap.Error(err),
				)
			} else if d != nil {
				own = append(own, *d)
			}
		}

		s := AttendeeSummary{
			AttendeeID:      att.ID,
			FirstName:       att.FirstName,
			LastName:        att.LastName,
			Amount:          sumAmounts(own, (*Discount).Counted),
			RemainingAmount: decimal.Zero,
			Style:           att.Style,
			Invite:          att.Invite,
			Pay:             att.Pay,
			GiftCodes:       []GiftCode{},
		}
		if l, ok := looks[att.LookID]; ok {
			s.Look = &LookRef{ID: l.ID, Name: l.Name}
			if price, ok := prices[l.BundleVariantID]; ok {
				s.RemainingAmount = remaining(price, own)
			}
		}
		for _, d := range own {
			if d.Issued() {
				s.GiftCodes = append(s.GiftCodes, GiftCode{
					Code:   d.Code,
					Amount: d.Amount,
					Type:   d.Type,
					Used:   d.Used,
				})
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// looksWithPrices loads the distinct looks of the attendees and the live
// prices of their bundles in one platform call. Looks missing from the
// directory are left out.
func (e *Engine) looksWithPrices(ctx context.Context, attendees []party.Attendee) (map[string]*party.Look, map[string]decimal.Decimal, error) {
	looks := make(map[string]*party.Look)
	var variants []string
	for i := range attendees {
		id := attendees[i].LookID
		if !attendees[i].HasLook() {
			continue
		}
		if _, ok := looks[id]; ok {
			continue
		}
		l, err := e.party.GetLook(ctx, id)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				continue
			}
			return nil, nil, serviceError(err, "Failed to load look %s", id)
		}
		looks[id] = l
		if l.BundleVariantID != "" {
			variants = append(variants, l.BundleVariantID)
		}
	}
	if len(variants) == 0 {
		return looks, map[string]decimal.Decimal{}, nil
	}
	prices, err := e.commerce.VariantPrices(ctx, variants)
	if err != nil {
		return nil, nil, serviceError(err, "Failed to fetch look prices")
	}
	return looks, prices, nil
}

// SweepOrphanedIntents deletes intents older than olderThan that were never
// attached to a virtual product, such as those left behind by a failed
// rollback.
func (e *Engine) SweepOrphanedIntents(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := e.tracer.Start(ctx, "discount.SweepOrphanedIntents")
	defer span.End()

	if olderThan <= 0 {
		return 0, badRequest("Sweep age must be positive")
	}
	cutoff := e.now().Add(-olderThan)
	n, err := e.store.DeleteOrphanedIntents(ctx, cutoff)
	if err != nil {
		return 0, serviceError(err, "Failed to sweep orphaned intents")
	}
	if n > 0 {
		zctx.From(ctx).Info("Swept orphaned intents",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
