package shopify

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/party-discounts/internal/domain/discount"
)

// CreateVirtualProduct creates an unshippable, untaxed product with a single
// variant priced at p.Price.
func (c *Client) CreateVirtualProduct(ctx context.Context, p discount.VirtualProduct) (*discount.CreatedProduct, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("product", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("title", func(e *jx.Encoder) { e.Str(p.Title) })
				e.Field("body_html", func(e *jx.Encoder) { e.Str(p.Description) })
				e.Field("product_type", func(e *jx.Encoder) { e.Str("Virtual") })
				e.Field("status", func(e *jx.Encoder) { e.Str("active") })
				e.Field("tags", func(e *jx.Encoder) { e.Str(strings.Join(p.Tags, ", ")) })
				e.Field("variants", func(e *jx.Encoder) {
					e.Arr(func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							e.Field("price", func(e *jx.Encoder) { e.Str(p.Price.StringFixed(2)) })
							e.Field("sku", func(e *jx.Encoder) { e.Str(p.SKU) })
							e.Field("requires_shipping", func(e *jx.Encoder) { e.Bool(false) })
							e.Field("taxable", func(e *jx.Encoder) { e.Bool(false) })
							e.Field("inventory_policy", func(e *jx.Encoder) { e.Str("continue") })
						})
					})
				})
			})
		})
	})

	data, err := c.admin(ctx, "create product", http.MethodPost, "products.json", e.Bytes())
	if err != nil {
		return nil, err
	}

	var out discount.CreatedProduct
	if err := objField(data, "product", func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			id, err := DecodeID(d)
			out.ID = id
			return err
		case "variants":
			return d.Arr(func(d *jx.Decoder) error {
				return d.Obj(func(d *jx.Decoder, key string) error {
					if key != "id" {
						return d.Skip()
					}
					id, err := DecodeID(d)
					if err != nil {
						return err
					}
					out.VariantIDs = append(out.VariantIDs, id)
					return nil
				})
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode product")
	}
	if out.ID == "" {
		return nil, errors.New("create product: response has no product id")
	}
	return &out, nil
}

// DeleteProduct removes a product. A product that is already gone is not an
// error.
func (c *Client) DeleteProduct(ctx context.Context, productID string) error {
	_, err := c.admin(ctx, "delete product", http.MethodDelete, "products/"+legacyID(productID)+".json", nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateDiscountCode creates a single-use fixed-amount price rule limited to
// the requested variants and customer, then the code under it. When the
// code cannot be created the price rule is removed again.
func (c *Client) CreateDiscountCode(ctx context.Context, req discount.CodeRequest) (*discount.IssuedCode, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("price_rule", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("title", func(e *jx.Encoder) { e.Str(req.Title) })
				e.Field("value_type", func(e *jx.Encoder) { e.Str("fixed_amount") })
				e.Field("value", func(e *jx.Encoder) { e.Str(req.Amount.Neg().StringFixed(2)) })
				e.Field("allocation_method", func(e *jx.Encoder) { e.Str("across") })
				e.Field("usage_limit", func(e *jx.Encoder) { e.Int(1) })
				e.Field("once_per_customer", func(e *jx.Encoder) { e.Bool(true) })
				e.Field("starts_at", func(e *jx.Encoder) { e.Str("2000-01-01T00:00:00Z") })
				e.Field("target_type", func(e *jx.Encoder) { e.Str("line_item") })
				if len(req.VariantIDs) > 0 {
					e.Field("target_selection", func(e *jx.Encoder) { e.Str("entitled") })
					e.Field("entitled_variant_ids", func(e *jx.Encoder) { encodeIDs(e, req.VariantIDs) })
				} else {
					e.Field("target_selection", func(e *jx.Encoder) { e.Str("all") })
				}
				if req.CustomerID != "" {
					e.Field("customer_selection", func(e *jx.Encoder) { e.Str("prerequisite") })
					e.Field("prerequisite_customer_ids", func(e *jx.Encoder) { encodeIDs(e, []string{req.CustomerID}) })
				} else {
					e.Field("customer_selection", func(e *jx.Encoder) { e.Str("all") })
				}
				if req.MinimumSubtotal.IsPositive() {
					e.Field("prerequisite_subtotal_range", func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							e.Field("greater_than_or_equal_to", func(e *jx.Encoder) {
								e.Str(req.MinimumSubtotal.StringFixed(2))
							})
						})
					})
				}
			})
		})
	})

	data, err := c.admin(ctx, "create price rule", http.MethodPost, "price_rules.json", e.Bytes())
	if err != nil {
		return nil, err
	}
	var ruleID string
	if err := objField(data, "price_rule", func(d *jx.Decoder, key string) error {
		if key != "id" {
			return d.Skip()
		}
		id, err := DecodeID(d)
		ruleID = id
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode price rule")
	}
	if ruleID == "" {
		return nil, errors.New("create price rule: response has no id")
	}

	code, err := c.createCode(ctx, ruleID, req.Code)
	if err != nil {
		if _, delErr := c.admin(ctx, "delete price rule", http.MethodDelete, "price_rules/"+ruleID+".json", nil); delErr != nil {
			zctx.From(ctx).Warn("Failed to delete price rule without code",
				zap.String("price_rule_id", ruleID),
				zap.Error(delErr),
			)
		}
		return nil, err
	}
	return code, nil
}

func (c *Client) createCode(ctx context.Context, ruleID, code string) (*discount.IssuedCode, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("discount_code", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("code", func(e *jx.Encoder) { e.Str(code) })
			})
		})
	})
	data, err := c.admin(ctx, "create discount code", http.MethodPost,
		"price_rules/"+ruleID+"/discount_codes.json", e.Bytes())
	if err != nil {
		return nil, err
	}

	var out discount.IssuedCode
	if err := objField(data, "discount_code", func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			id, err := DecodeID(d)
			out.ID = id
			return err
		case "code":
			s, err := d.Str()
			out.Code = s
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode discount code")
	}
	if out.Code == "" {
		out.Code = code
	}
	return &out, nil
}

// VariantPrices fetches variant prices in parallel. Each read is retried
// with exponential backoff on transport errors, throttling and 5xx.
// Unknown variants are left out of the result.
func (c *Client) VariantPrices(ctx context.Context, variantIDs []string) (map[string]decimal.Decimal, error) {
	var (
		mu     sync.Mutex
		prices = make(map[string]decimal.Decimal, len(variantIDs))
		seen   = make(map[string]struct{}, len(variantIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PriceConcurrency)
	for _, id := range variantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		g.Go(func() error {
			price, ok, err := c.variantPrice(gctx, id)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			prices[id] = price
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prices, nil
}

func (c *Client) variantPrice(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	var data []byte
	op := func() error {
		var err error
		data, err = c.admin(ctx, "get variant", http.MethodGet, "variants/"+legacyID(id)+".json", nil)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.cfg.PriceRetries), ctx)
	notify := func(err error, wait time.Duration) {
		zctx.From(ctx).Debug("Retrying variant price",
			zap.String("variant_id", id),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}

	var (
		price decimal.Decimal
		found bool
	)
	if err := objField(data, "variant", func(d *jx.Decoder, key string) error {
		if key != "price" {
			return d.Skip()
		}
		v, err := DecodeDecimal(d)
		price, found = v, err == nil
		return err
	}); err != nil {
		return decimal.Zero, false, errors.Wrapf(err, "decode variant %s", id)
	}
	return price, found, nil
}
