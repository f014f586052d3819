package discount

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/domain/party"
)

// plannedIntent is a validated intent waiting to be persisted.
type plannedIntent struct {
	discount Discount
	attendee *party.Attendee
}

// CreateIntents validates a batch of gift and full-pay intents, persists
// them, supersedes older live intents of the same attendees and externalizes
// the batch as one virtual product whose price is the batch total.
//
// Either the whole batch is persisted and attached to the virtual product or
// nothing is left behind. When the cleanup itself fails the returned error
// matches ErrCompensationFailed.
func (e *Engine) CreateIntents(ctx context.Context, eventID string, reqs []IntentRequest) (_ *IntentBatch, rerr error) {
	ctx, span := e.tracer.Start(ctx, "discount.CreateIntents",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.Int("intents", len(reqs)),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, Message(rerr))
		}
		span.End()
	}()

	ev, err := e.activeEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, badRequest("No discount intents provided")
	}

	planned, err := e.planIntents(ctx, ev, reqs)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rows := make([]Discount, len(planned))
	ids := make([]string, len(planned))
	attendeeIDs := make([]string, len(planned))
	total := decimal.Zero
	for i, p := range planned {
		d := p.discount
		d.ID = e.newID()
		d.CreatedAt = now
		d.UpdatedAt = now
		rows[i] = d
		ids[i] = d.ID
		attendeeIDs[i] = d.AttendeeID
		total = total.Add(d.Amount)
	}

	lg := zctx.From(ctx).With(zap.String("event_id", ev.ID))

	if err := e.store.WithTx(ctx, func(q Queries) error {
		superseded, err := q.DeleteUnissued(ctx, attendeeIDs)
		if err != nil {
			return errors.Wrap(err, "delete superseded intents")
		}
		if superseded > 0 {
			lg.Info("Superseding live intents", zap.Int64("count", superseded))
		}
		return q.Insert(ctx, rows)
	}); err != nil {
		return nil, serviceError(err, "Failed to save discount intents")
	}

	product, err := e.commerce.CreateVirtualProduct(ctx, e.virtualProduct(ev, planned, total))
	if err == nil && len(product.VariantIDs) == 0 {
		err = errors.Errorf("virtual product %s has no variants", product.ID)
		e.deleteProduct(ctx, product.ID)
	}
	if err != nil {
		return nil, e.compensate(ctx, ids, err)
	}
	variantID := product.VariantIDs[0]

	if err := e.store.WithTx(ctx, func(q Queries) error {
		return q.AttachVirtualProduct(ctx, ids, product.ID, variantID)
	}); err != nil {
		e.deleteProduct(ctx, product.ID)
		return nil, e.compensate(ctx, ids, err)
	}

	for i := range rows {
		rows[i].VirtualProductID = product.ID
		rows[i].VirtualVariantID = variantID
		e.metrics.intents.Add(ctx, 1, typeAttr(rows[i].Type))
	}
	lg.Info("Created discount intents",
		zap.Int("count", len(rows)),
		zap.String("product_id", product.ID),
		zap.String("total", total.StringFixed(2)),
	)

	return &IntentBatch{
		VariantID: variantID,
		ProductID: product.ID,
		Discounts: rows,
	}, nil
}

func (e *Engine) planIntents(ctx context.Context, ev *party.Event, reqs []IntentRequest) ([]plannedIntent, error) {
	var (
		planned = make([]plannedIntent, 0, len(reqs))
		seen    = make(map[string]struct{}, len(reqs))
		size    = -1
	)
	for _, req := range reqs {
		id := req.attendee()
		if _, ok := seen[id]; ok {
			return nil, badRequest("Attendee %s appears more than once", id)
		}
		seen[id] = struct{}{}

		att, err := e.activeAttendee(ctx, ev.ID, id)
		if err != nil {
			return nil, err
		}

		var p plannedIntent
		switch r := req.(type) {
		case AmountIntent:
			p, err = e.planGift(ctx, att, r.Amount)
		case FullPayIntent:
			if size < 0 {
				if size, err = e.partySize(ctx, ev.ID, true); err != nil {
					return nil, err
				}
			}
			p, err = e.planFullPay(ctx, att, size)
		default:
			err = badRequest("Unsupported intent %T", req)
		}
		if err != nil {
			return nil, err
		}
		p.discount.EventID = ev.ID
		planned = append(planned, p)
	}
	return planned, nil
}

func (e *Engine) planGift(ctx context.Context, att *party.Attendee, amount decimal.Decimal) (plannedIntent, error) {
	if !amount.IsPositive() {
		return plannedIntent{}, badRequest("amount must be greater than 0")
	}
	if !att.Invite || !att.Style {
		return plannedIntent{}, badRequest("Attendee %s must be invited and styled", fullName(att))
	}
	if !att.HasLook() {
		return plannedIntent{}, badRequest("Attendee has no look associated")
	}
	_, price, err := e.lookPrice(ctx, att.LookID)
	if err != nil {
		return plannedIntent{}, err
	}
	rows, err := e.store.ListByAttendee(ctx, att.ID)
	if err != nil {
		return plannedIntent{}, serviceError(err, "Failed to load discounts of attendee %s", att.ID)
	}
	issued := sumAmounts(rows, func(d *Discount) bool {
		return d.Type == TypeGift && d.Issued()
	})
	if amount.Add(issued).GreaterThan(price) {
		return plannedIntent{}, badRequest("pay amount exceeds look price for %s", fullName(att))
	}
	return plannedIntent{
		discount: Discount{
			AttendeeID: att.ID,
			Amount:     amount.Round(2),
			Type:       TypeGift,
		},
		attendee: att,
	}, nil
}

// planFullPay prices a full-pay intent at the bundle price, less the flat
// incentive once the styled party reaches the configured size.
func (e *Engine) planFullPay(ctx context.Context, att *party.Attendee, styledParty int) (plannedIntent, error) {
	if !att.HasLook() {
		return plannedIntent{}, badRequest("Attendee has no look associated")
	}
	_, price, err := e.lookPrice(ctx, att.LookID)
	if err != nil {
		return plannedIntent{}, err
	}
	rows, err := e.store.ListByAttendee(ctx, att.ID)
	if err != nil {
		return plannedIntent{}, serviceError(err, "Failed to load discounts of attendee %s", att.ID)
	}
	for i := range rows {
		if rows[i].Type == TypeFullPay && rows[i].Issued() {
			return plannedIntent{}, badRequest("Full pay discount already issued for %s", fullName(att))
		}
	}
	amount := price
	if styledParty >= e.cfg.Incentive.PartySize {
		amount = price.Sub(decimal.Min(e.cfg.Incentive.FlatAmount, price))
	}
	if !amount.IsPositive() {
		return plannedIntent{}, badRequest("Nothing left to pay for %s", fullName(att))
	}
	return plannedIntent{
		discount: Discount{
			AttendeeID: att.ID,
			Amount:     amount.Round(2),
			Type:       TypeFullPay,
		},
		attendee: att,
	}, nil
}

func (e *Engine) virtualProduct(ev *party.Event, planned []plannedIntent, total decimal.Decimal) VirtualProduct {
	lines := make([]string, 0, len(planned))
	for _, p := range planned {
		lines = append(lines, fmt.Sprintf("%s: $%s (%s)",
			fullName(p.attendee), p.discount.Amount.StringFixed(2), p.discount.Type))
	}
	return VirtualProduct{
		Title:       fmt.Sprintf("Discount for %s", ev.Name),
		Description: strings.Join(lines, "\n"),
		Price:       total.Round(2),
		SKU:         e.cfg.VirtualSKUPrefix + e.newID(),
		Tags:        []string{"virtual", "discount-intent", "event:" + ev.ID},
	}
}

// deleteProduct removes a virtual product that will never be attached.
// Failures are logged only: the product is unreachable without local rows.
func (e *Engine) deleteProduct(ctx context.Context, productID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := e.commerce.DeleteProduct(ctx, productID); err != nil {
		zctx.From(ctx).Warn("Failed to delete orphaned virtual product",
			zap.String("product_id", productID),
			zap.Error(err),
		)
	}
}

// compensate deletes the rows of a batch that could not be externalized.
func (e *Engine) compensate(ctx context.Context, ids []string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	lg := zctx.From(ctx)
	if _, err := e.store.Delete(ctx, ids); err != nil {
		e.metrics.compensations.Add(ctx, 1, outcomeAttr(false))
		lg.Error("Failed to roll back discount intents",
			zap.Strings("discount_ids", ids),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return &Error{
			Kind:    ErrCompensationFailed,
			Message: "Failed to create discount intents",
			Cause:   errors.Wrapf(err, "roll back after %v", cause),
		}
	}
	e.metrics.compensations.Add(ctx, 1, outcomeAttr(true))
	lg.Warn("Rolled back discount intents",
		zap.Strings("discount_ids", ids),
		zap.Error(cause),
	)
	return serviceError(cause, "Failed to create discount intents")
}
