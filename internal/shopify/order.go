package shopify

import (
	"github.com/go-faster/jx"

	"github.com/xenking/party-discounts/internal/domain/discount"
)

// DecodePaidOrder reads the fields of an orders/paid payload that
// reconciliation needs and skips the rest.
func DecodePaidOrder(b []byte) (discount.PaidOrder, error) {
	var (
		order discount.PaidOrder
		email string
	)
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			id, err := DecodeID(d)
			order.OrderID = id
			return err
		case "email":
			return decodeOptStr(d, &email)
		case "customer":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "email" {
					return d.Skip()
				}
				return decodeOptStr(d, &order.CustomerEmail)
			})
		case "discount_codes":
			return decodeOptArr(d, func(d *jx.Decoder) error {
				return d.Obj(func(d *jx.Decoder, key string) error {
					if key != "code" {
						return d.Skip()
					}
					var code string
					if err := decodeOptStr(d, &code); err != nil {
						return err
					}
					if code != "" {
						order.DiscountCodes = append(order.DiscountCodes, code)
					}
					return nil
				})
			})
		case "line_items":
			return decodeOptArr(d, func(d *jx.Decoder) error {
				var li discount.LineItem
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "sku":
						err = decodeOptStr(d, &li.SKU)
					case "product_id":
						li.ProductID, err = DecodeID(d)
					case "variant_id":
						li.VariantID, err = DecodeID(d)
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				order.LineItems = append(order.LineItems, li)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if order.CustomerEmail == "" {
		order.CustomerEmail = email
	}
	return order, err
}

func decodeOptStr(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	s, err := d.Str()
	*dst = s
	return err
}

func decodeOptArr(d *jx.Decoder, f func(d *jx.Decoder) error) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.Arr(f)
}
