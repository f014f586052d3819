package shopify

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// DecodeID reads a resource id that the platform sends either as a JSON
// number or as a string.
func DecodeID(d *jx.Decoder) (string, error) {
	switch t := d.Next(); t {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.String:
		return d.Str()
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.Errorf("unexpected id type %s", t)
	}
}

// DecodeDecimal reads a money amount sent as a string or a number.
func DecodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch t := d.Next(); t {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	default:
		return decimal.Zero, errors.Errorf("unexpected amount type %s", t)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse amount %q", raw)
	}
	return v, nil
}

// encodeID writes numeric ids as JSON numbers and anything else as a
// string, which is what the Admin REST API expects.
func encodeID(e *jx.Encoder, id string) {
	id = legacyID(id)
	if isNumeric(id) {
		e.Num(jx.Num(id))
		return
	}
	e.Str(id)
}

func encodeIDs(e *jx.Encoder, ids []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, id := range ids {
			encodeID(e, id)
		}
	})
}

func encodeStrs(e *jx.Encoder, ss []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, s := range ss {
			e.Str(s)
		}
	})
}

// legacyID turns a global id such as gid://shopify/ProductVariant/42 into
// the numeric id REST endpoints take.
func legacyID(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// objField decodes the object at key of the top-level object and skips
// everything else.
func objField(b []byte, key string, f func(d *jx.Decoder, key string) error) error {
	return jx.DecodeBytes(b).Obj(func(d *jx.Decoder, k string) error {
		if k != key {
			return d.Skip()
		}
		if d.Next() == jx.Null {
			return d.Null()
		}
		return d.Obj(f)
	})
}
