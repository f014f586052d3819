package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/shopify"
)

const (
	topicHeader    = "X-Shopify-Topic"
	topicOrderPaid = "orders/paid"
)

// shopifyWebhook reconciles paid orders. Apart from a bad signature it
// always answers 200 and reports failures in the body, since the sender
// retries every non-2xx delivery.
func (h *Handler) shopifyWebhook(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		writeWebhookResult(w, nil, []string{"Invalid request body"})
		return
	}
	if !h.validSignature(body, r.Header.Get(hmacHeader)) {
		lg.Warn("Rejected webhook with invalid signature")
		writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	topic := r.Header.Get(topicHeader)
	if topic != topicOrderPaid {
		lg.Debug("Ignoring webhook topic", zap.String("topic", topic))
		writeWebhookResult(w, nil, nil)
		return
	}

	order, err := shopify.DecodePaidOrder(body)
	if err != nil {
		lg.Warn("Malformed order payload", zap.Error(err))
		writeWebhookResult(w, nil, []string{"Invalid order payload"})
		return
	}

	res := h.engine.ReconcilePaidOrder(r.Context(), order)
	if len(res.Errors) > 0 {
		lg.Warn("Order reconciled with errors",
			zap.String("order_id", order.OrderID),
			zap.Strings("errors", res.Errors),
		)
	}
	writeWebhookResult(w, res.DiscountCodes, res.Errors)
}

// writeWebhookResult writes {"discount_codes": [...]} and, when anything
// failed, an "errors" string joining every failure.
func writeWebhookResult(w http.ResponseWriter, codes, errs []string) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("discount_codes", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, c := range codes {
						e.Str(c)
					}
				})
			})
			if len(errs) > 0 {
				e.Field("errors", func(e *jx.Encoder) { e.Str(strings.Join(errs, "; ")) })
			}
		})
	})
}
