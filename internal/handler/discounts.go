package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/party-discounts/internal/domain/discount"
	"github.com/xenking/party-discounts/internal/shopify"
)

func (h *Handler) listDiscounts(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.engine.ListEventDiscounts(r.Context(), chi.URLParam(r, "event_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, s := range summaries {
				encodeSummary(e, s)
			}
		})
	})
}

func (h *Handler) createIntents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reqs, err := decodeIntents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := h.engine.CreateIntents(r.Context(), chi.URLParam(r, "event_id"), reqs)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("variant_id", func(e *jx.Encoder) { e.Str(batch.VariantID) })
		})
	})
}

func (h *Handler) applyDiscounts(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var eventID, cartID string
	if err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "event_id":
			s, err := shopify.DecodeID(d)
			eventID = s
			return err
		case "shopify_cart_id":
			s, err := d.Str()
			cartID = s
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	codes, err := h.engine.ApplyDiscounts(r.Context(), eventID, chi.URLParam(r, "attendee_id"), cartID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, c := range codes {
				e.Str(c)
			}
		})
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
}

// decodeIntents reads [{attendee_id, amount} | {attendee_id, pay_full: true}].
func decodeIntents(b []byte) ([]discount.IntentRequest, error) {
	d := jx.DecodeBytes(b)
	if d.Next() != jx.Array {
		return nil, &decodeError{msg: "Request body must be a list of discount intents"}
	}
	var reqs []discount.IntentRequest
	if err := d.Arr(func(d *jx.Decoder) error {
		var (
			attendeeID string
			amount     *decimal.Decimal
			payFull    bool
		)
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "attendee_id":
				s, err := shopify.DecodeID(d)
				attendeeID = s
				return err
			case "amount":
				if d.Next() == jx.Null {
					return d.Null()
				}
				v, err := shopify.DecodeDecimal(d)
				amount = &v
				return err
			case "pay_full":
				v, err := d.Bool()
				payFull = v
				return err
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}

		switch {
		case attendeeID == "":
			return &decodeError{msg: "attendee_id is required"}
		case payFull:
			reqs = append(reqs, discount.FullPayIntent{AttendeeID: attendeeID})
		case amount == nil:
			return &decodeError{msg: "amount or pay_full is required"}
		default:
			reqs = append(reqs, discount.AmountIntent{AttendeeID: attendeeID, Amount: *amount})
		}
		return nil
	}); err != nil {
		var de *decodeError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &decodeError{msg: "Invalid request body"}
	}
	return reqs, nil
}

// decodeError is a request decoding failure with a caller-facing message.
type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }

func encodeSummary(e *jx.Encoder, s discount.AttendeeSummary) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("attendee_id", func(e *jx.Encoder) { e.Str(s.AttendeeID) })
		e.Field("first_name", func(e *jx.Encoder) { e.Str(s.FirstName) })
		e.Field("last_name", func(e *jx.Encoder) { e.Str(s.LastName) })
		e.Field("amount", func(e *jx.Encoder) { encodeMoney(e, s.Amount) })
		e.Field("remaining_amount", func(e *jx.Encoder) { encodeMoney(e, s.RemainingAmount) })
		e.Field("status", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("style", func(e *jx.Encoder) { e.Bool(s.Style) })
				e.Field("invite", func(e *jx.Encoder) { e.Bool(s.Invite) })
				e.Field("pay", func(e *jx.Encoder) { e.Bool(s.Pay) })
			})
		})
		e.Field("look", func(e *jx.Encoder) {
			if s.Look == nil {
				e.Null()
				return
			}
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(s.Look.ID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(s.Look.Name) })
			})
		})
		e.Field("gift_codes", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, c := range s.GiftCodes {
					e.Obj(func(e *jx.Encoder) {
						e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
						e.Field("amount", func(e *jx.Encoder) { encodeMoney(e, c.Amount) })
						e.Field("type", func(e *jx.Encoder) { e.Str(string(c.Type)) })
						e.Field("used", func(e *jx.Encoder) { e.Bool(c.Used) })
					})
				}
			})
		})
	})
}

func encodeMoney(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}
