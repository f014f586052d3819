// Package discount implements the party discount engine: gift and full-pay
// intents paid by an event owner, the party-of-N group incentive, cart-time
// application of issued codes, and reconciliation of paid orders.
//
// A discount row moves through three phases. An intent has no code and,
// once externalized, references the virtual product the owner pays for.
// An issued row carries a commerce discount code. A used row has had its
// code (or, for an intent, its virtual product) consumed by a paid order.
package discount

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the kinds of discount the engine manages.
type Type string

const (
	// TypeGift is a caller-chosen amount paid toward an attendee's look.
	TypeGift Type = "GIFT"
	// TypeFullPay covers the full price of an attendee's look.
	TypeFullPay Type = "FULL_PAY"
	// TypePartyOfN is the group-size incentive granted once per attendee.
	TypePartyOfN Type = "PARTY_OF_N"
)

// Discount is a single discount row in any lifecycle phase.
type Discount struct {
	ID         string
	EventID    string
	AttendeeID string
	Amount     decimal.Decimal
	Type       Type
	Used       bool

	// Code and CodeID are set once the discount is issued as a commerce
	// discount code.
	Code   string
	CodeID string

	// VirtualProductID and VirtualVariantID reference the virtual product
	// an intent batch was externalized as. Issued rows that originate from
	// a paid intent keep the variant id.
	VirtualProductID string
	VirtualVariantID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Issued reports whether the row carries a discount code.
func (d *Discount) Issued() bool { return d.Code != "" }

// Externalized reports whether the row is an intent already attached to a
// virtual product.
func (d *Discount) Externalized() bool { return !d.Issued() && d.VirtualProductID != "" }

// Unissued reports whether the row is a live intent that a new batch
// supersedes.
func (d *Discount) Unissued() bool { return !d.Issued() && !d.Used }

// Counted reports whether the row's amount counts toward what is already
// covered of the attendee's look. Intents without a virtual product are not
// yet redeemable and paid intents are represented by their issued row.
func (d *Discount) Counted() bool {
	if d.Issued() {
		return true
	}
	return d.Externalized() && !d.Used
}

// IntentRequest is one entry of an intent batch: either an AmountIntent or a
// FullPayIntent.
type IntentRequest interface {
	attendee() string
}

// AmountIntent requests a gift of a fixed amount for an attendee.
type AmountIntent struct {
	AttendeeID string
	Amount     decimal.Decimal
}

func (i AmountIntent) attendee() string { return i.AttendeeID }

// FullPayIntent requests that the attendee's look be paid in full.
type FullPayIntent struct {
	AttendeeID string
}

func (i FullPayIntent) attendee() string { return i.AttendeeID }

// IntentBatch is the result of a successful CreateIntents call.
type IntentBatch struct {
	// VariantID is the virtual product variant the owner checks out with.
	VariantID string
	ProductID string
	Discounts []Discount
}

// PaidOrder is the subset of a payment-completed notification the engine
// reconciles.
type PaidOrder struct {
	OrderID       string
	CustomerEmail string
	DiscountCodes []string
	LineItems     []LineItem
}

// LineItem is a single line of a paid order.
type LineItem struct {
	SKU       string
	ProductID string
	VariantID string
}

// Reconciliation is the outcome of ReconcilePaidOrder. Errors holds one
// human-readable message per line item that could not be reconciled.
type Reconciliation struct {
	DiscountCodes []string
	Errors        []string
}

// AttendeeSummary is one row of the event discount listing.
type AttendeeSummary struct {
	AttendeeID      string
	FirstName       string
	LastName        string
	Amount          decimal.Decimal
	RemainingAmount decimal.Decimal
	Style           bool
	Invite          bool
	Pay             bool
	Look            *LookRef
	GiftCodes       []GiftCode
}

// LookRef identifies the look shown in a summary.
type LookRef struct {
	ID   string
	Name string
}

// GiftCode is an issued code shown in a summary.
type GiftCode struct {
	Code   string
	Amount decimal.Decimal
	Type   Type
	Used   bool
}
