// Package handler exposes the discount engine over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/party-discounts/internal/domain/discount"
)

const maxBodySize = 1 << 20

// Engine is the part of the discount engine served over HTTP.
type Engine interface {
	ListEventDiscounts(ctx context.Context, eventID string) ([]discount.AttendeeSummary, error)
	CreateIntents(ctx context.Context, eventID string, reqs []discount.IntentRequest) (*discount.IntentBatch, error)
	ApplyDiscounts(ctx context.Context, eventID, attendeeID, cartID string) ([]string, error)
	ReconcilePaidOrder(ctx context.Context, order discount.PaidOrder) *discount.Reconciliation
}

var _ Engine = (*discount.Engine)(nil)

// Config holds non-dependency handler settings.
type Config struct {
	// WebhookSecret verifies X-Shopify-Hmac-Sha256. Verification is skipped
	// when it is empty.
	WebhookSecret string
}

// Handler serves the discount REST API and the commerce webhook.
type Handler struct {
	engine        Engine
	webhookSecret []byte
}

// New creates a Handler.
func New(cfg Config, engine Engine) *Handler {
	return &Handler{
		engine:        engine,
		webhookSecret: []byte(cfg.WebhookSecret),
	}
}

// RegisterAPI mounts the REST endpoints on r.
func (h *Handler) RegisterAPI(r chi.Router) {
	r.Get("/events/{event_id}/discounts", h.listDiscounts)
	r.Post("/events/{event_id}/discounts", h.createIntents)
	r.Post("/attendees/{attendee_id}/apply-discounts", h.applyDiscounts)
}

// RegisterWebhooks mounts the commerce webhook endpoint on r.
func (h *Handler) RegisterWebhooks(r chi.Router) {
	r.Post("/webhooks/shopify", h.shopifyWebhook)
}

// RoutePattern returns the chi route pattern matched for r.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
