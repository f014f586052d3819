package discount

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/domain/party"
)

// EnsurePartyIncentive issues the party-of-N discount for an attendee once
// the event's invited party has reached the configured size. It returns the
// existing incentive when one was issued before, and nil when the attendee
// is not eligible yet.
func (e *Engine) EnsurePartyIncentive(ctx context.Context, attendeeID string) (*Discount, error) {
	ctx, span := e.tracer.Start(ctx, "discount.EnsurePartyIncentive",
		trace.WithAttributes(attribute.String("attendee.id", attendeeID)),
	)
	defer span.End()

	att, err := e.activeAttendee(ctx, "", attendeeID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListByAttendee(ctx, att.ID)
	if err != nil {
		return nil, serviceError(err, "Failed to load discounts of attendee %s", att.ID)
	}
	size, err := e.partySize(ctx, att.EventID, false)
	if err != nil {
		return nil, err
	}
	return e.ensurePartyIncentive(ctx, att, rows, size)
}

func (e *Engine) ensurePartyIncentive(ctx context.Context, att *party.Attendee, rows []Discount, size int) (*Discount, error) {
	if d := findType(rows, TypePartyOfN); d != nil {
		return d, nil
	}
	if size < e.cfg.Incentive.PartySize || !att.HasLook() {
		return nil, nil
	}
	lg := zctx.From(ctx).With(zap.String("attendee_id", att.ID))
	if att.CustomerID == "" {
		lg.Debug("Skipping party incentive for attendee without customer")
		return nil, nil
	}

	look, price, err := e.lookPrice(ctx, att.LookID)
	if err != nil {
		return nil, err
	}
	amount, minimum := e.cfg.Incentive.Tier(price)
	if !amount.IsPositive() {
		return nil, nil
	}

	issued, err := e.commerce.CreateDiscountCode(ctx, CodeRequest{
		Title:           fmt.Sprintf("Party of %d: %s", e.cfg.Incentive.PartySize, fullName(att)),
		Code:            e.newCode(TypePartyOfN),
		CustomerID:      att.CustomerID,
		Amount:          amount,
		MinimumSubtotal: minimum,
		VariantIDs:      look.VariantIDs,
	})
	if err != nil {
		return nil, serviceError(err, "Failed to issue party discount")
	}
	e.metrics.issued.Add(ctx, 1, typeAttr(TypePartyOfN))

	now := e.now()
	d := Discount{
		ID:         e.newID(),
		EventID:    att.EventID,
		AttendeeID: att.ID,
		Amount:     amount,
		Type:       TypePartyOfN,
		Code:       issued.Code,
		CodeID:     issued.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.Insert(ctx, []Discount{d}); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Issued concurrently; keep the stored one.
			lg.Warn("Party incentive issued concurrently", zap.String("orphaned_code_id", issued.ID))
			rows, err := e.store.ListByAttendee(ctx, att.ID)
			if err != nil {
				return nil, serviceError(err, "Failed to load discounts of attendee %s", att.ID)
			}
			if existing := findType(rows, TypePartyOfN); existing != nil {
				return existing, nil
			}
		}
		lg.Error("Failed to save issued party discount",
			zap.String("code_id", issued.ID),
			zap.Error(err),
		)
		return nil, serviceError(err, "Failed to save party discount")
	}
	lg.Info("Issued party incentive",
		zap.String("amount", amount.StringFixed(2)),
		zap.String("minimum_subtotal", minimum.StringFixed(2)),
	)
	return &d, nil
}

func findType(rows []Discount, t Type) *Discount {
	for i := range rows {
		if rows[i].Type == t {
			return &rows[i]
		}
	}
	return nil
}
