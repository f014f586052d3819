package shopify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

const cartDiscountCodesUpdate = `mutation cartDiscountCodesUpdate($cartId: ID!, $discountCodes: [String!]) {
  cartDiscountCodesUpdate(cartId: $cartId, discountCodes: $discountCodes) {
    cart { id }
    userErrors { field message }
  }
}`

// ApplyDiscountCodesToCart replaces the discount codes of a storefront cart.
func (c *Client) ApplyDiscountCodesToCart(ctx context.Context, cartID string, codes []string) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("query", func(e *jx.Encoder) { e.Str(cartDiscountCodesUpdate) })
		e.Field("variables", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("cartId", func(e *jx.Encoder) { e.Str(cartID) })
				e.Field("discountCodes", func(e *jx.Encoder) { encodeStrs(e, codes) })
			})
		})
	})

	h := http.Header{}
	h.Set("X-Shopify-Storefront-Access-Token", c.cfg.StorefrontToken)
	url := fmt.Sprintf("%s/api/%s/graphql.json", c.cfg.StorefrontURL, c.cfg.APIVersion)
	data, err := c.do(ctx, "cart discount codes", http.MethodPost, url, e.Bytes(), h)
	if err != nil {
		return err
	}

	msgs, err := decodeGraphQLErrors(data)
	if err != nil {
		return errors.Wrap(err, "decode cart response")
	}
	if len(msgs) > 0 {
		return errors.Errorf("cart discount codes: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// decodeGraphQLErrors collects top-level GraphQL errors and the mutation's
// userErrors.
func decodeGraphQLErrors(b []byte) ([]string, error) {
	var msgs []string
	collect := func(d *jx.Decoder) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		return d.Arr(func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "message" {
					return d.Skip()
				}
				s, err := d.Str()
				if err != nil {
					return err
				}
				msgs = append(msgs, s)
				return nil
			})
		})
	}
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "errors":
			return collect(d)
		case "data":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Obj(func(d *jx.Decoder, _ string) error {
				if d.Next() == jx.Null {
					return d.Null()
				}
				return d.Obj(func(d *jx.Decoder, key string) error {
					if key != "userErrors" {
						return d.Skip()
					}
					return collect(d)
				})
			})
		default:
			return d.Skip()
		}
	})
	return msgs, err
}
