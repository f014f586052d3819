package discount

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ApplyDiscounts attaches every unused code of an attendee to a cart,
// issuing the party-of-N incentive first when the attendee qualifies. It
// returns the applied codes; no external call is made when there are none.
func (e *Engine) ApplyDiscounts(ctx context.Context, eventID, attendeeID, cartID string) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "discount.ApplyDiscounts",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("attendee.id", attendeeID),
		),
	)
	defer span.End()

	if cartID == "" {
		return nil, badRequest("Cart id is required")
	}
	ev, err := e.activeEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	att, err := e.activeAttendee(ctx, ev.ID, attendeeID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListByAttendee(ctx, att.ID)
	if err != nil {
		return nil, serviceError(err, "Failed to load discounts of attendee %s", att.ID)
	}

	codes := make([]string, 0, len(rows)+1)
	for i := range rows {
		d := &rows[i]
		if d.Issued() && !d.Used && d.Type != TypePartyOfN {
			codes = append(codes, d.Code)
		}
	}

	size, err := e.partySize(ctx, ev.ID, false)
	if err != nil {
		return nil, err
	}
	incentive, err := e.ensurePartyIncentive(ctx, att, rows, size)
	if err != nil {
		return nil, err
	}
	if incentive != nil && incentive.Issued() && !incentive.Used {
		codes = append(codes, incentive.Code)
	}

	if len(codes) == 0 {
		return codes, nil
	}
	if err := e.commerce.ApplyDiscountCodesToCart(ctx, cartID, codes); err != nil {
		return nil, serviceError(err, "Failed to apply discount codes to cart")
	}
	zctx.From(ctx).Info("Applied discount codes",
		zap.String("attendee_id", att.ID),
		zap.Int("count", len(codes)),
	)
	return codes, nil
}
