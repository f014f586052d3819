package discount

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/domain/party"
)

// ReconcilePaidOrder redeems what a paid order consumed. Virtual product
// line items turn their intent batch into issued codes; discount codes on
// the order are marked used. Problems are reported per item in the result
// so one bad line item does not block the rest. Redelivery of the same
// order is a no-op that returns the same codes.
func (e *Engine) ReconcilePaidOrder(ctx context.Context, order PaidOrder) *Reconciliation {
	ctx, span := e.tracer.Start(ctx, "discount.ReconcilePaidOrder",
		trace.WithAttributes(
			attribute.String("order.id", order.OrderID),
			attribute.Int("line_items", len(order.LineItems)),
			attribute.Int("discount_codes", len(order.DiscountCodes)),
		),
	)
	defer span.End()

	lg := zctx.From(ctx).With(zap.String("order_id", order.OrderID))
	res := &Reconciliation{DiscountCodes: []string{}}
	seen := make(map[string]struct{})
	add := func(code string) {
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		res.DiscountCodes = append(res.DiscountCodes, code)
	}

	for _, li := range order.LineItems {
		if e.cfg.VirtualSKUPrefix == "" || !strings.HasPrefix(li.SKU, e.cfg.VirtualSKUPrefix) {
			continue
		}
		codes, errs := e.redeemIntents(ctx, li)
		for _, c := range codes {
			add(c)
		}
		res.Errors = append(res.Errors, errs...)
	}

	for _, code := range order.DiscountCodes {
		d, err := e.store.GetByCode(ctx, code)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			lg.Error("Failed to look up discount code", zap.String("code", code), zap.Error(err))
			res.Errors = append(res.Errors, fmt.Sprintf("Failed to look up discount code %s", code))
			continue
		}
		if !d.Used {
			if err := e.store.MarkUsed(ctx, []string{d.ID}); err != nil {
				lg.Error("Failed to mark discount used", zap.String("code", code), zap.Error(err))
				res.Errors = append(res.Errors, fmt.Sprintf("Failed to redeem discount code %s", code))
				continue
			}
			e.metrics.redeemed.Add(ctx, 1, typeAttr(d.Type))
		}
		add(d.Code)
	}

	if len(res.Errors) > 0 {
		lg.Warn("Paid order reconciled with errors", zap.Strings("errors", res.Errors))
	}
	return res
}

// redeemIntents issues one code per intent row of the virtual product
// bought in li and marks the intents used. Intents already used by an
// earlier delivery report the code issued for them then.
func (e *Engine) redeemIntents(ctx context.Context, li LineItem) (codes, errs []string) {
	rows, err := e.store.ListIntentsByVirtualProduct(ctx, li.ProductID, li.VariantID)
	if err != nil {
		zctx.From(ctx).Error("Failed to load intents", zap.String("product_id", li.ProductID), zap.Error(err))
		return nil, []string{fmt.Sprintf("Failed to load discounts for product %s", li.ProductID)}
	}
	if len(rows) == 0 {
		return nil, []string{fmt.Sprintf("No discounts found for product %s", li.ProductID)}
	}

	var issued []Discount
	for i := range rows {
		intent := &rows[i]
		if intent.Used {
			if issued == nil {
				if issued, err = e.store.ListIssuedByVirtualVariant(ctx, intent.VirtualVariantID); err != nil {
					errs = append(errs, fmt.Sprintf("Failed to load issued discounts for product %s", li.ProductID))
					continue
				}
			}
			for j := range issued {
				if issued[j].AttendeeID == intent.AttendeeID && issued[j].Type == intent.Type {
					codes = append(codes, issued[j].Code)
				}
			}
			continue
		}
		code, err := e.issueIntent(ctx, intent)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes, errs
}

// issueIntent creates the code for a paid intent, stores it as a new issued
// row and marks the intent used. The intent row stays locked from the check
// of its used flag until the commit, so concurrent deliveries of one order
// issue a single code: the later one finds the intent used and reports the
// code issued for it.
func (e *Engine) issueIntent(ctx context.Context, intent *Discount) (string, error) {
	lg := zctx.From(ctx).With(
		zap.String("discount_id", intent.ID),
		zap.String("attendee_id", intent.AttendeeID),
	)
	att, err := e.party.GetAttendee(ctx, intent.AttendeeID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return "", errors.Errorf("Attendee %s not found", intent.AttendeeID)
		}
		lg.Error("Failed to load attendee", zap.Error(err))
		return "", errors.Errorf("Failed to load attendee %s", intent.AttendeeID)
	}
	if !att.HasLook() {
		return "", errors.Errorf("No look associated for attendee %s", fullName(att))
	}
	look, err := e.party.GetLook(ctx, att.LookID)
	if err != nil && !errors.Is(err, party.ErrNotFound) {
		lg.Error("Failed to load look", zap.Error(err))
		return "", errors.Errorf("Failed to load look %s", att.LookID)
	}
	if look == nil || len(look.VariantIDs) == 0 {
		return "", errors.Errorf("No shopify variants found for look %s", att.LookID)
	}

	var (
		issued  string
		created *IssuedCode
		userErr error
	)
	err = e.store.WithTx(ctx, func(q Queries) error {
		cur, err := q.LockIntent(ctx, intent.ID)
		if err != nil {
			return errors.Wrap(err, "lock intent")
		}
		if cur.Used {
			issued, err = issuedFor(ctx, q, cur)
			return err
		}

		code, err := e.commerce.CreateDiscountCode(ctx, CodeRequest{
			Title:      fmt.Sprintf("%s discount for %s", intent.Type, fullName(att)),
			Code:       e.newCode(intent.Type),
			CustomerID: att.CustomerID,
			Amount:     cur.Amount,
			VariantIDs: look.VariantIDs,
		})
		if err != nil {
			userErr = errors.Errorf("Failed to issue discount code for attendee %s", fullName(att))
			return errors.Wrap(err, "create discount code")
		}
		created = code
		e.metrics.issued.Add(ctx, 1, typeAttr(intent.Type))

		now := e.now()
		row := Discount{
			ID:               e.newID(),
			EventID:          cur.EventID,
			AttendeeID:       cur.AttendeeID,
			Amount:           cur.Amount,
			Type:             cur.Type,
			Code:             code.Code,
			CodeID:           code.ID,
			VirtualVariantID: cur.VirtualVariantID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := q.Insert(ctx, []Discount{row}); err != nil {
			return errors.Wrap(err, "insert issued discount")
		}
		if err := q.MarkUsed(ctx, []string{cur.ID}); err != nil {
			return err
		}
		issued = code.Code
		return nil
	})
	if err != nil {
		if userErr != nil {
			lg.Error("Failed to issue discount code", zap.Error(err))
			return "", userErr
		}
		fields := []zap.Field{zap.Error(err)}
		if created != nil {
			fields = append(fields, zap.String("code_id", created.ID))
		}
		lg.Error("Failed to save issued discount", fields...)
		return "", errors.Errorf("Failed to save discount code for attendee %s", fullName(att))
	}
	if created == nil {
		lg.Debug("Intent already redeemed by a concurrent delivery")
		return issued, nil
	}
	e.metrics.redeemed.Add(ctx, 1, typeAttr(intent.Type))
	lg.Info("Issued discount for paid intent", zap.String("code_id", created.ID))
	return issued, nil
}

// issuedFor returns the code issued for a used intent, or "" when none is
// recorded.
func issuedFor(ctx context.Context, q Queries, intent *Discount) (string, error) {
	rows, err := q.ListIssuedByVirtualVariant(ctx, intent.VirtualVariantID)
	if err != nil {
		return "", err
	}
	for i := range rows {
		if rows[i].AttendeeID == intent.AttendeeID && rows[i].Type == intent.Type {
			return rows[i].Code, nil
		}
	}
	return "", nil
}
