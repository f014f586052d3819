package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrRecordNotFound is returned by Queries lookups that match no row.
var ErrRecordNotFound = errors.New("discount not found")

// Queries are the discount row operations. The store never writes
// used = false: MarkUsed is the only operation touching the flag.
type Queries interface {
	ListByEvent(ctx context.Context, eventID string) ([]Discount, error)
	ListByAttendee(ctx context.Context, attendeeID string) ([]Discount, error)
	// ListIntentsByVirtualProduct returns the intent rows externalized as
	// the given virtual product. variantID is used when productID is empty.
	ListIntentsByVirtualProduct(ctx context.Context, productID, variantID string) ([]Discount, error)
	// ListIssuedByVirtualVariant returns issued rows that originate from an
	// intent paid through the given virtual product variant.
	ListIssuedByVirtualVariant(ctx context.Context, variantID string) ([]Discount, error)
	GetByCode(ctx context.Context, code string) (*Discount, error)
	// LockIntent returns the current state of an intent row and holds it
	// until the surrounding transaction ends. Outside a transaction the row
	// is only read. A missing row yields ErrRecordNotFound.
	LockIntent(ctx context.Context, id string) (*Discount, error)

	Insert(ctx context.Context, ds []Discount) error
	// DeleteUnissued removes live GIFT and FULL_PAY intents of the given
	// attendees and reports how many rows were removed.
	DeleteUnissued(ctx context.Context, attendeeIDs []string) (int64, error)
	Delete(ctx context.Context, ids []string) (int64, error)
	AttachVirtualProduct(ctx context.Context, ids []string, productID, variantID string) error
	// MarkUsed sets used = true on the given rows. Rows already used are
	// left untouched.
	MarkUsed(ctx context.Context, ids []string) error
	// DeleteOrphanedIntents removes intents created before the cutoff that
	// were never attached to a virtual product.
	DeleteOrphanedIntents(ctx context.Context, before time.Time) (int64, error)
}

// Store is the transactional discount store.
type Store interface {
	Queries
	// WithTx runs fn inside one transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

// Commerce is the subset of the commerce platform the engine drives.
// Implementations must bound every call with a timeout and must not retry
// writes.
type Commerce interface {
	CreateVirtualProduct(ctx context.Context, p VirtualProduct) (*CreatedProduct, error)
	DeleteProduct(ctx context.Context, productID string) error
	CreateDiscountCode(ctx context.Context, req CodeRequest) (*IssuedCode, error)
	// VariantPrices returns the current price of each variant. Variants
	// unknown to the platform are absent from the result.
	VariantPrices(ctx context.Context, variantIDs []string) (map[string]decimal.Decimal, error)
	ApplyDiscountCodesToCart(ctx context.Context, cartID string, codes []string) error
}

// VirtualProduct describes a product created only to carry the price of an
// intent batch.
type VirtualProduct struct {
	Title       string
	Description string
	Price       decimal.Decimal
	SKU         string
	Tags        []string
}

// CreatedProduct holds the identifiers of a created virtual product.
type CreatedProduct struct {
	ID         string
	VariantIDs []string
}

// CodeRequest describes a single-use, customer-scoped fixed-amount code.
type CodeRequest struct {
	Title      string
	Code       string
	CustomerID string
	Amount     decimal.Decimal
	// MinimumSubtotal gates the code on the order subtotal. Zero disables
	// the gate.
	MinimumSubtotal decimal.Decimal
	VariantIDs      []string
}

// IssuedCode holds the identifiers of a created discount code.
type IssuedCode struct {
	ID   string
	Code string
}
