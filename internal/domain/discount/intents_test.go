package discount

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncentiveTier(t *testing.T) {
	cfg := DefaultConfig().Incentive

	tests := []struct {
		name        string
		price       decimal.Decimal
		wantAmount  decimal.Decimal
		wantMinimum decimal.Decimal
	}{
		{name: "at minimum order gets flat amount", price: d("300"), wantAmount: d("50"), wantMinimum: d("300")},
		{name: "above minimum order gets flat amount", price: d("899.99"), wantAmount: d("50"), wantMinimum: d("300")},
		{name: "below minimum order gets percentage", price: d("250"), wantAmount: d("62.5"), wantMinimum: decimal.Zero},
		{name: "percentage is rounded to cents", price: d("99.99"), wantAmount: d("25"), wantMinimum: decimal.Zero},
		{name: "zero price", price: decimal.Zero, wantAmount: decimal.Zero, wantMinimum: decimal.Zero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, minimum := cfg.Tier(tt.price)
			assert.True(t, tt.wantAmount.Equal(amount), "amount: want %s, got %s", tt.wantAmount, amount)
			assert.True(t, tt.wantMinimum.Equal(minimum), "minimum: want %s, got %s", tt.wantMinimum, minimum)
		})
	}
}

func TestCreateIntents_Gift(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"))
	ctx := context.Background()

	batch, err := f.engine.CreateIntents(ctx, "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, batch.VariantID)
	require.Len(t, batch.Discounts, 1)

	rows := f.attendeeRows("a1")
	require.Len(t, rows, 1)
	assert.Equal(t, TypeGift, rows[0].Type)
	assert.True(t, d("50").Equal(rows[0].Amount))
	assert.Equal(t, batch.ProductID, rows[0].VirtualProductID)
	assert.Equal(t, batch.VariantID, rows[0].VirtualVariantID)
	assert.False(t, rows[0].Used)
	assert.Empty(t, rows[0].Code)

	product := f.commerce.products[batch.ProductID]
	assert.True(t, d("50").Equal(product.Price))
	assert.Contains(t, product.SKU, DefaultConfig().VirtualSKUPrefix)
	assert.Contains(t, product.Description, "Firsta1 Last")

	summaries, err := f.engine.ListEventDiscounts(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, d("50").Equal(summaries[0].Amount))
	assert.True(t, d("250").Equal(summaries[0].RemainingAmount))
	assert.Empty(t, summaries[0].GiftCodes)
}

func TestCreateIntents_BatchTotal(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"), attendee("a2"), attendee("a3"))

	batch, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("20.50")},
		AmountIntent{AttendeeID: "a2", Amount: d("30")},
		FullPayIntent{AttendeeID: "a3"},
	})
	require.NoError(t, err)
	require.Len(t, batch.Discounts, 3)

	// Three styled attendees do not reach the party size: full price.
	assert.True(t, d("300").Equal(batch.Discounts[2].Amount))
	assert.True(t, d("350.50").Equal(f.commerce.products[batch.ProductID].Price))
	assert.Len(t, f.store.all(), 3)
}

func TestCreateIntents_Validation(t *testing.T) {
	tests := []struct {
		name     string
		eventID  string
		reqs     []IntentRequest
		wantKind error
		wantMsg  string
	}{
		{
			name:     "unknown event",
			eventID:  "missing",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "a1", Amount: d("10")}},
			wantKind: ErrNotFound,
			wantMsg:  "Event missing not found",
		},
		{
			name:     "empty batch",
			eventID:  "e1",
			wantKind: ErrBadRequest,
			wantMsg:  "No discount intents provided",
		},
		{
			name:     "zero amount",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "a1", Amount: decimal.Zero}},
			wantKind: ErrBadRequest,
			wantMsg:  "amount must be greater than 0",
		},
		{
			name:     "negative amount",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "a1", Amount: d("-5")}},
			wantKind: ErrBadRequest,
			wantMsg:  "amount must be greater than 0",
		},
		{
			name:     "unknown attendee",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "nobody", Amount: d("10")}},
			wantKind: ErrNotFound,
		},
		{
			name:     "inactive attendee",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "gone", Amount: d("10")}},
			wantKind: ErrNotFound,
		},
		{
			name:     "attendee of another event",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "other", Amount: d("10")}},
			wantKind: ErrNotFound,
		},
		{
			name:     "gift for uninvited attendee",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "uninvited", Amount: d("10")}},
			wantKind: ErrBadRequest,
			wantMsg:  "must be invited and styled",
		},
		{
			name:     "gift for unstyled attendee",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "unstyled", Amount: d("10")}},
			wantKind: ErrBadRequest,
			wantMsg:  "must be invited and styled",
		},
		{
			name:     "gift over look price",
			eventID:  "e1",
			reqs:     []IntentRequest{AmountIntent{AttendeeID: "a1", Amount: d("300.01")}},
			wantKind: ErrBadRequest,
			wantMsg:  "pay amount exceeds look price",
		},
		{
			name:     "full pay without look",
			eventID:  "e1",
			reqs:     []IntentRequest{FullPayIntent{AttendeeID: "nolook"}},
			wantKind: ErrBadRequest,
			wantMsg:  "Attendee has no look associated",
		},
		{
			name:    "attendee twice in one batch",
			eventID: "e1",
			reqs: []IntentRequest{
				AmountIntent{AttendeeID: "a1", Amount: d("10")},
				FullPayIntent{AttendeeID: "a1"},
			},
			wantKind: ErrBadRequest,
			wantMsg:  "appears more than once",
		},
		{
			name:    "one invalid entry fails the batch",
			eventID: "e1",
			reqs: []IntentRequest{
				AmountIntent{AttendeeID: "a1", Amount: d("10")},
				FullPayIntent{AttendeeID: "nolook"},
			},
			wantKind: ErrBadRequest,
			wantMsg:  "Attendee has no look associated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := attendee("other")
			other.EventID = "e2"
			f := newFixture(t, "300",
				attendee("a1"),
				attendee("gone", inactive),
				attendee("uninvited", notInvited),
				attendee("unstyled", notStyled),
				attendee("nolook", noLook),
				other,
			)

			_, err := f.engine.CreateIntents(context.Background(), tt.eventID, tt.reqs)
			require.ErrorIs(t, err, tt.wantKind)
			if tt.wantMsg != "" {
				assert.Contains(t, Message(err), tt.wantMsg)
			}
			assert.Empty(t, f.store.all())
			assert.Empty(t, f.commerce.products)
		})
	}
}

func TestCreateIntents_SupersedesLiveIntent(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"), attendee("a2"))
	ctx := context.Background()

	_, err := f.engine.CreateIntents(ctx, "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
		AmountIntent{AttendeeID: "a2", Amount: d("40")},
	})
	require.NoError(t, err)

	_, err = f.engine.CreateIntents(ctx, "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("100")},
	})
	require.NoError(t, err)

	rows := f.attendeeRows("a1")
	require.Len(t, rows, 1)
	assert.True(t, d("100").Equal(rows[0].Amount))
	// Attendees outside the new batch keep their intent.
	assert.Len(t, f.attendeeRows("a2"), 1)
}

func TestCreateIntents_KeepsIssuedAndUsedRows(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"))
	f.store.rows = []Discount{
		{ID: "issued", EventID: "e1", AttendeeID: "a1", Amount: d("20"), Type: TypeGift, Code: "GIFT-OLD"},
		{ID: "paid", EventID: "e1", AttendeeID: "a1", Amount: d("20"), Type: TypeGift, Used: true, VirtualProductID: "prod-old"},
		{ID: "party", EventID: "e1", AttendeeID: "a1", Amount: d("50"), Type: TypePartyOfN, Code: "PARTY-OLD"},
	}

	_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("10")},
	})
	require.NoError(t, err)
	assert.Len(t, f.attendeeRows("a1"), 4)
}

func TestCreateIntents_GiftCapCountsIssuedGifts(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"))
	f.store.rows = []Discount{
		{ID: "g1", EventID: "e1", AttendeeID: "a1", Amount: d("150"), Type: TypeGift, Code: "GIFT-1", Used: true},
		{ID: "g2", EventID: "e1", AttendeeID: "a1", Amount: d("50"), Type: TypeGift, Code: "GIFT-2"},
	}
	ctx := context.Background()

	_, err := f.engine.CreateIntents(ctx, "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("100.01")},
	})
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = f.engine.CreateIntents(ctx, "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("100")},
	})
	require.NoError(t, err)
}

func TestCreateIntents_FullPay(t *testing.T) {
	t.Run("full price below party size", func(t *testing.T) {
		f := newFixture(t, "300", attendee("a1"), attendee("a2"), attendee("a3", notStyled), attendee("a4"))

		batch, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
			FullPayIntent{AttendeeID: "a1"},
		})
		require.NoError(t, err)
		assert.Equal(t, TypeFullPay, batch.Discounts[0].Type)
		assert.True(t, d("300").Equal(batch.Discounts[0].Amount))
	})

	t.Run("flat incentive deducted for styled party", func(t *testing.T) {
		f := newFixture(t, "300", attendee("a1"), attendee("a2"), attendee("a3"), attendee("a4"))

		batch, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
			FullPayIntent{AttendeeID: "a1"},
		})
		require.NoError(t, err)
		assert.True(t, d("250").Equal(batch.Discounts[0].Amount))
	})

	t.Run("flat incentive deducted below the minimum order amount", func(t *testing.T) {
		f := newFixture(t, "250", attendee("a1"), attendee("a2"), attendee("a3"), attendee("a4"))

		batch, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
			FullPayIntent{AttendeeID: "a1"},
		})
		require.NoError(t, err)
		assert.True(t, d("200").Equal(batch.Discounts[0].Amount), batch.Discounts[0].Amount.String())
	})

	t.Run("flat incentive capped at the look price", func(t *testing.T) {
		f := newFixture(t, "30", attendee("a1"), attendee("a2"), attendee("a3"), attendee("a4"))

		_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
			FullPayIntent{AttendeeID: "a1"},
		})
		require.ErrorIs(t, err, ErrBadRequest)
		assert.Contains(t, Message(err), "Nothing left to pay")
	})

	t.Run("rejected once issued", func(t *testing.T) {
		f := newFixture(t, "300", attendee("a1"))
		f.store.rows = []Discount{
			{ID: "fp", EventID: "e1", AttendeeID: "a1", Amount: d("300"), Type: TypeFullPay, Code: "FULLPAY-1"},
		}

		_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
			FullPayIntent{AttendeeID: "a1"},
		})
		require.ErrorIs(t, err, ErrBadRequest)
		assert.Contains(t, Message(err), "already issued")
	})

	t.Run("look without bundle price", func(t *testing.T) {
		f := newFixture(t, "300", attendee("a1"))
		delete(f.commerce.prices, "bundle-1")

		_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
			FullPayIntent{AttendeeID: "a1"},
		})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateIntents_CompensatesFailedProduct(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"), attendee("a2"))
	f.commerce.createProductErr = errBoom

	_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
		AmountIntent{AttendeeID: "a2", Amount: d("60")},
	})
	require.ErrorIs(t, err, ErrService)
	require.NotErrorIs(t, err, ErrCompensationFailed)
	require.ErrorIs(t, err, errBoom)

	rows, err := f.store.ListByEvent(context.Background(), "e1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCreateIntents_CompensatesProductWithoutVariants(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"))
	f.commerce.noVariants = true

	_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
	})
	require.ErrorIs(t, err, ErrService)
	assert.Empty(t, f.store.all())
	assert.Empty(t, f.commerce.products)
	assert.Len(t, f.commerce.deleted, 1)
}

func TestCreateIntents_CompensatesFailedWriteBack(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"))
	f.store.attachErr = errBoom

	_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
	})
	require.ErrorIs(t, err, ErrService)
	require.NotErrorIs(t, err, ErrCompensationFailed)
	assert.Empty(t, f.store.all())
	assert.Empty(t, f.commerce.products)
	assert.Equal(t, []string{"prod-1"}, f.commerce.deleted)
}

func TestCreateIntents_CompensationFailure(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"), attendee("a2"))
	f.commerce.createProductErr = errBoom
	f.store.deleteErr = errBoom

	_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
		AmountIntent{AttendeeID: "a2", Amount: d("60")},
	})
	require.ErrorIs(t, err, ErrCompensationFailed)
	require.ErrorIs(t, err, ErrService)
	// The rows stay behind for the operator and the orphan sweep.
	assert.Len(t, f.store.all(), 2)
}

func TestCreateIntents_FirstTransactionFailure(t *testing.T) {
	f := newFixture(t, "300", attendee("a1"))
	f.store.insertErr = errBoom

	_, err := f.engine.CreateIntents(context.Background(), "e1", []IntentRequest{
		AmountIntent{AttendeeID: "a1", Amount: d("50")},
	})
	require.ErrorIs(t, err, ErrService)
	assert.Empty(t, f.commerce.products)
}
