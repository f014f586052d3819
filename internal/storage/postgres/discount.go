package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/party-discounts/internal/domain/discount"
)

const discountColumns = `id, event_id, attendee_id, amount, type, used, code, code_id,
	virtual_product_id, virtual_variant_id, created_at, updated_at`

const (
	listDiscountsByEventSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE event_id = $1 ORDER BY created_at, id`

	listDiscountsByAttendeeSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE attendee_id = $1 ORDER BY created_at, id`

	listIntentsByVirtualProductSQL = `SELECT ` + discountColumns + `
		FROM discounts
		WHERE code IS NULL
		  AND (($1 <> '' AND virtual_product_id = $1) OR ($1 = '' AND virtual_variant_id = $2))
		ORDER BY created_at, id`

	listIssuedByVirtualVariantSQL = `SELECT ` + discountColumns + `
		FROM discounts
		WHERE code IS NOT NULL AND virtual_variant_id = $1
		ORDER BY created_at, id`

	getDiscountByCodeSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE code = $1`

	lockIntentSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE id = $1 AND code IS NULL FOR UPDATE`

	insertDiscountSQL = `INSERT INTO discounts (` + discountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	deleteUnissuedSQL = `DELETE FROM discounts
		WHERE attendee_id = ANY($1)
		  AND code IS NULL
		  AND NOT used
		  AND type IN ('GIFT', 'FULL_PAY')`

	deleteDiscountsSQL = `DELETE FROM discounts WHERE id = ANY($1)`

	attachVirtualProductSQL = `UPDATE discounts
		SET virtual_product_id = $2, virtual_variant_id = $3, updated_at = now()
		WHERE id = ANY($1) AND code IS NULL`

	markUsedSQL = `UPDATE discounts SET used = TRUE, updated_at = now()
		WHERE id = ANY($1) AND NOT used`

	deleteOrphanedIntentsSQL = `DELETE FROM discounts
		WHERE code IS NULL
		  AND virtual_product_id IS NULL
		  AND NOT used
		  AND created_at < $1`

	listReferencesSQL = `SELECT code FROM discounts WHERE code IS NOT NULL
		UNION
		SELECT virtual_product_id FROM discounts WHERE virtual_product_id IS NOT NULL`
)

var _ discount.Store = (*DiscountStore)(nil)

// DiscountStore implements discount.Store backed by PostgreSQL.
type DiscountStore struct {
	queries
	pool *pgxpool.Pool
}

// NewDiscountStore returns a DiscountStore that uses the given pool.
func NewDiscountStore(pool *pgxpool.Pool) *DiscountStore {
	return &DiscountStore{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn in a transaction that commits when fn returns nil.
func (s *DiscountStore) WithTx(ctx context.Context, fn func(q discount.Queries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&queries{db: tx})
	})
}

// ForEachReference calls fn with every discount code and virtual product id
// known locally.
func (s *DiscountStore) ForEachReference(ctx context.Context, fn func(ref string) error) error {
	rows, err := s.pool.Query(ctx, listReferencesSQL)
	if err != nil {
		return fmt.Errorf("listing discount references: %w", err)
	}
	var ref string
	_, err = pgx.ForEachRow(rows, []any{&ref}, func() error {
		return fn(ref)
	})
	if err != nil {
		return fmt.Errorf("listing discount references: %w", err)
	}
	return nil
}

// queries implements discount.Queries over a pool or a transaction.
type queries struct {
	db querier
}

var _ discount.Queries = (*queries)(nil)

func (q *queries) list(ctx context.Context, sql string, args ...any) ([]discount.Discount, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDiscount)
}

// ListByEvent returns every discount row of an event.
func (q *queries) ListByEvent(ctx context.Context, eventID string) ([]discount.Discount, error) {
	ds, err := q.list(ctx, listDiscountsByEventSQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing discounts of event %q: %w", eventID, err)
	}
	return ds, nil
}

// ListByAttendee returns every discount row of an attendee.
func (q *queries) ListByAttendee(ctx context.Context, attendeeID string) ([]discount.Discount, error) {
	ds, err := q.list(ctx, listDiscountsByAttendeeSQL, attendeeID)
	if err != nil {
		return nil, fmt.Errorf("listing discounts of attendee %q: %w", attendeeID, err)
	}
	return ds, nil
}

// ListIntentsByVirtualProduct returns the intents externalized as the given
// product, or as the given variant when productID is empty.
func (q *queries) ListIntentsByVirtualProduct(ctx context.Context, productID, variantID string) ([]discount.Discount, error) {
	ds, err := q.list(ctx, listIntentsByVirtualProductSQL, productID, variantID)
	if err != nil {
		return nil, fmt.Errorf("listing intents of product %q: %w", productID, err)
	}
	return ds, nil
}

// ListIssuedByVirtualVariant returns issued rows that came from intents paid
// through the given variant.
func (q *queries) ListIssuedByVirtualVariant(ctx context.Context, variantID string) ([]discount.Discount, error) {
	ds, err := q.list(ctx, listIssuedByVirtualVariantSQL, variantID)
	if err != nil {
		return nil, fmt.Errorf("listing issued discounts of variant %q: %w", variantID, err)
	}
	return ds, nil
}

// GetByCode returns the row carrying code, or discount.ErrRecordNotFound.
func (q *queries) GetByCode(ctx context.Context, code string) (*discount.Discount, error) {
	rows, err := q.db.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount by code %q: %w", code, err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrRecordNotFound
		}
		return nil, fmt.Errorf("finding discount by code %q: %w", code, err)
	}
	return &d, nil
}

// LockIntent reads an intent row with FOR UPDATE, blocking concurrent
// lockers until the transaction ends.
func (q *queries) LockIntent(ctx context.Context, id string) (*discount.Discount, error) {
	rows, err := q.db.Query(ctx, lockIntentSQL, id)
	if err != nil {
		return nil, fmt.Errorf("locking intent %q: %w", id, err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrRecordNotFound
		}
		return nil, fmt.Errorf("locking intent %q: %w", id, err)
	}
	return &d, nil
}

// Insert stores new rows in one batch. A conflicting code or a second party
// incentive for an attendee yields discount.ErrDuplicate.
func (q *queries) Insert(ctx context.Context, ds []discount.Discount) error {
	if len(ds) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, d := range ds {
		b.Queue(insertDiscountSQL,
			d.ID, d.EventID, d.AttendeeID, d.Amount, string(d.Type), d.Used,
			nullString(d.Code), nullString(d.CodeID),
			nullString(d.VirtualProductID), nullString(d.VirtualVariantID),
			d.CreatedAt, d.UpdatedAt,
		)
	}
	if err := q.db.SendBatch(ctx, b).Close(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting discounts: %w", discount.ErrDuplicate)
		}
		return fmt.Errorf("inserting discounts: %w", err)
	}
	return nil
}

// DeleteUnissued removes live GIFT and FULL_PAY intents of the attendees.
func (q *queries) DeleteUnissued(ctx context.Context, attendeeIDs []string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteUnissuedSQL, attendeeIDs)
	if err != nil {
		return 0, fmt.Errorf("deleting unissued discounts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes rows by id.
func (q *queries) Delete(ctx context.Context, ids []string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteDiscountsSQL, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting discounts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AttachVirtualProduct records the virtual product of an intent batch. It
// fails when any of the intents is gone, so a batch superseded in between
// is not half attached.
func (q *queries) AttachVirtualProduct(ctx context.Context, ids []string, productID, variantID string) error {
	tag, err := q.db.Exec(ctx, attachVirtualProductSQL, ids, productID, variantID)
	if err != nil {
		return fmt.Errorf("attaching virtual product %q: %w", productID, err)
	}
	if n := tag.RowsAffected(); n != int64(len(ids)) {
		return fmt.Errorf("attaching virtual product %q: updated %d of %d intents", productID, n, len(ids))
	}
	return nil
}

// MarkUsed sets used on the rows. Rows already used are left untouched.
func (q *queries) MarkUsed(ctx context.Context, ids []string) error {
	if _, err := q.db.Exec(ctx, markUsedSQL, ids); err != nil {
		return fmt.Errorf("marking discounts used: %w", err)
	}
	return nil
}

// DeleteOrphanedIntents removes intents created before the cutoff that never
// got a virtual product.
func (q *queries) DeleteOrphanedIntents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteOrphanedIntentsSQL, before)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d                    discount.Discount
		typ                  string
		code, codeID         *string
		productID, variantID *string
	)
	err := row.Scan(
		&d.ID, &d.EventID, &d.AttendeeID, &d.Amount, &typ, &d.Used, &code, &codeID,
		&productID, &variantID, &d.CreatedAt, &d.UpdatedAt,
	)
	d.Type = discount.Type(typ)
	d.Code = derefString(code)
	d.CodeID = derefString(codeID)
	d.VirtualProductID = derefString(productID)
	d.VirtualVariantID = derefString(variantID)
	return d, err
}
