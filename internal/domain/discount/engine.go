package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/party-discounts/internal/domain/party"
)

// compensationTimeout bounds cleanup that runs after the request context
// may already be done.
const compensationTimeout = 10 * time.Second

// IncentiveConfig holds the party-of-N business constants.
type IncentiveConfig struct {
	// PartySize is the attendee count at which the incentive starts.
	PartySize int
	// FlatAmount is granted when the look price reaches MinOrderAmount.
	FlatAmount     decimal.Decimal
	MinOrderAmount decimal.Decimal
	// Percent of the look price is granted below MinOrderAmount.
	Percent decimal.Decimal
}

// Tier returns the incentive amount for a look price and the minimum order
// subtotal the issued code must be gated on (zero for no gate). The result
// depends only on the price.
func (c IncentiveConfig) Tier(lookPrice decimal.Decimal) (amount, minimum decimal.Decimal) {
	if !lookPrice.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	if lookPrice.GreaterThanOrEqual(c.MinOrderAmount) {
		return decimal.Min(c.FlatAmount, lookPrice).Round(2), c.MinOrderAmount
	}
	return lookPrice.Mul(c.Percent).Div(hundred).Round(2), decimal.Zero
}

// Config holds engine configuration.
type Config struct {
	Incentive IncentiveConfig
	// VirtualSKUPrefix marks virtual product SKUs in paid orders.
	VirtualSKUPrefix string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Incentive: IncentiveConfig{
			PartySize:      4,
			FlatAmount:     decimal.NewFromInt(50),
			MinOrderAmount: decimal.NewFromInt(300),
			Percent:        decimal.NewFromInt(25),
		},
		VirtualSKUPrefix: "GIFT-INTENT-",
	}
}

var hundred = decimal.NewFromInt(100)

// Option configures an Engine.
type Option func(*Engine)

// WithTracerProvider sets the tracer provider used for engine spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer("discount") }
}

// WithMeterProvider sets the meter provider used for engine counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meter = mp.Meter("discount") }
}

// Engine validates, issues and redeems party discounts.
type Engine struct {
	store    Store
	party    party.Directory
	commerce Commerce
	cfg      Config

	tracer  trace.Tracer
	meter   metric.Meter
	metrics *engineMetrics

	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine over the given collaborators.
func NewEngine(store Store, dir party.Directory, commerce Commerce, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    store,
		party:    dir,
		commerce: commerce,
		cfg:      cfg,
		tracer:   tracenoop.NewTracerProvider().Tracer("discount"),
		meter:    metricnoop.NewMeterProvider().Meter("discount"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	m, err := newEngineMetrics(e.meter)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	e.metrics = m
	return e, nil
}

// newCode returns a fresh discount code for the given type.
func (e *Engine) newCode(t Type) string {
	var prefix string
	switch t {
	case TypeGift:
		prefix = "GIFT"
	case TypeFullPay:
		prefix = "FULLPAY"
	default:
		prefix = "PARTY"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(e.newID(), "-", ""))
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return prefix + "-" + suffix
}

func (e *Engine) activeEvent(ctx context.Context, id string) (*party.Event, error) {
	ev, err := e.party.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return nil, notFound("Event %s not found", id)
		}
		return nil, serviceError(err, "Failed to load event %s", id)
	}
	if !ev.IsActive {
		return nil, notFound("Event %s not found", id)
	}
	return ev, nil
}

// activeAttendee resolves an active attendee. An empty eventID skips the
// event membership check.
func (e *Engine) activeAttendee(ctx context.Context, eventID, id string) (*party.Attendee, error) {
	att, err := e.party.GetAttendee(ctx, id)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return nil, notFound("Attendee %s not found", id)
		}
		return nil, serviceError(err, "Failed to load attendee %s", id)
	}
	if !att.IsActive || (eventID != "" && att.EventID != eventID) {
		return nil, notFound("Attendee %s not found", id)
	}
	return att, nil
}

func (e *Engine) look(ctx context.Context, id string) (*party.Look, error) {
	l, err := e.party.GetLook(ctx, id)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return nil, notFound("Look %s not found", id)
		}
		return nil, serviceError(err, "Failed to load look %s", id)
	}
	return l, nil
}

// lookPrice resolves the look and fetches the live price of its bundle.
func (e *Engine) lookPrice(ctx context.Context, lookID string) (*party.Look, decimal.Decimal, error) {
	l, err := e.look(ctx, lookID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if l.BundleVariantID == "" {
		return nil, decimal.Zero, badRequest("Look %s has no bundle variant", l.ID)
	}
	prices, err := e.commerce.VariantPrices(ctx, []string{l.BundleVariantID})
	if err != nil {
		return nil, decimal.Zero, serviceError(err, "Failed to fetch price for look %s", l.ID)
	}
	price, ok := prices[l.BundleVariantID]
	if !ok {
		return nil, decimal.Zero, notFound("Price for look %s not found", l.ID)
	}
	return l, price, nil
}

// partySize counts active, invited attendees of an event. With styled set
// only styled attendees are counted.
func (e *Engine) partySize(ctx context.Context, eventID string, styled bool) (int, error) {
	atts, err := e.party.ListAttendees(ctx, eventID)
	if err != nil {
		return 0, serviceError(err, "Failed to list attendees of event %s", eventID)
	}
	n := 0
	for _, a := range atts {
		if a.IsActive && a.Invite && (!styled || a.Style) {
			n++
		}
	}
	return n, nil
}

func fullName(a *party.Attendee) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", a.FirstName, a.LastName))
}

// sumAmounts adds up the amounts of rows matching keep.
func sumAmounts(rows []Discount, keep func(d *Discount) bool) decimal.Decimal {
	sum := decimal.Zero
	for i := range rows {
		if keep(&rows[i]) {
			sum = sum.Add(rows[i].Amount)
		}
	}
	return sum
}
