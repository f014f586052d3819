package discount

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xenking/party-discounts/internal/domain/party"
)

// --- Mock implementations ---

// memStore is an in-memory Store. WithTx restores a snapshot when fn fails
// and holds the row locks taken by LockIntent until fn returns.
type memStore struct {
	mu       sync.Mutex
	rows     []Discount
	rowLocks map[string]*sync.Mutex
	// lockAttempts receives the row id before LockIntent waits on it.
	lockAttempts chan string

	insertErr error
	attachErr error
	deleteErr error
	listErr   error
}

var _ Store = (*memStore)(nil)

// memTx is the Queries handed to a WithTx callback.
type memTx struct {
	*memStore
	held []*sync.Mutex
}

func (t *memTx) LockIntent(ctx context.Context, id string) (*Discount, error) {
	if t.lockAttempts != nil {
		t.lockAttempts <- id
	}
	l := t.rowLock(id)
	l.Lock()
	t.held = append(t.held, l)
	return t.memStore.LockIntent(ctx, id)
}

func (t *memTx) unlock() {
	for _, l := range t.held {
		l.Unlock()
	}
}

func (m *memStore) WithTx(_ context.Context, fn func(q Queries) error) error {
	tx := &memTx{memStore: m}
	defer tx.unlock()

	m.mu.Lock()
	snapshot := slices.Clone(m.rows)
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		m.mu.Lock()
		m.rows = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) filter(keep func(d *Discount) bool) []Discount {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Discount
	for i := range m.rows {
		if keep(&m.rows[i]) {
			out = append(out, m.rows[i])
		}
	}
	return out
}

func (m *memStore) ListByEvent(_ context.Context, eventID string) ([]Discount, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.filter(func(d *Discount) bool { return d.EventID == eventID }), nil
}

func (m *memStore) ListByAttendee(_ context.Context, attendeeID string) ([]Discount, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.filter(func(d *Discount) bool { return d.AttendeeID == attendeeID }), nil
}

func (m *memStore) ListIntentsByVirtualProduct(_ context.Context, productID, variantID string) ([]Discount, error) {
	return m.filter(func(d *Discount) bool {
		if d.Issued() {
			return false
		}
		if productID != "" {
			return d.VirtualProductID == productID
		}
		return variantID != "" && d.VirtualVariantID == variantID
	}), nil
}

func (m *memStore) ListIssuedByVirtualVariant(_ context.Context, variantID string) ([]Discount, error) {
	return m.filter(func(d *Discount) bool {
		return d.Issued() && d.VirtualVariantID == variantID
	}), nil
}

func (m *memStore) GetByCode(_ context.Context, code string) (*Discount, error) {
	rows := m.filter(func(d *Discount) bool { return d.Code == code })
	if len(rows) == 0 {
		return nil, ErrRecordNotFound
	}
	return &rows[0], nil
}

func (m *memStore) rowLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rowLocks == nil {
		m.rowLocks = make(map[string]*sync.Mutex)
	}
	l, ok := m.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[id] = l
	}
	return l
}

func (m *memStore) LockIntent(_ context.Context, id string) (*Discount, error) {
	rows := m.filter(func(d *Discount) bool { return d.ID == id && !d.Issued() })
	if len(rows) == 0 {
		return nil, ErrRecordNotFound
	}
	return &rows[0], nil
}

func (m *memStore) Insert(_ context.Context, ds []Discount) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		for _, r := range m.rows {
			if d.Code != "" && r.Code == d.Code {
				return ErrDuplicate
			}
			if d.Type == TypePartyOfN && r.Type == TypePartyOfN && r.AttendeeID == d.AttendeeID {
				return ErrDuplicate
			}
			if d.Issued() && r.Issued() && d.VirtualVariantID != "" && r.VirtualVariantID == d.VirtualVariantID &&
				r.AttendeeID == d.AttendeeID && r.Type == d.Type {
				return ErrDuplicate
			}
		}
		m.rows = append(m.rows, d)
	}
	return nil
}

func (m *memStore) remove(keep func(d *Discount) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	out := m.rows[:0]
	for i := range m.rows {
		if keep(&m.rows[i]) {
			out = append(out, m.rows[i])
			continue
		}
		n++
	}
	m.rows = out
	return n
}

func (m *memStore) DeleteUnissued(_ context.Context, attendeeIDs []string) (int64, error) {
	return m.remove(func(d *Discount) bool {
		return !(d.Unissued() && d.Type != TypePartyOfN && slices.Contains(attendeeIDs, d.AttendeeID))
	}), nil
}

func (m *memStore) Delete(_ context.Context, ids []string) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	return m.remove(func(d *Discount) bool { return !slices.Contains(ids, d.ID) }), nil
}

func (m *memStore) AttachVirtualProduct(_ context.Context, ids []string, productID, variantID string) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if slices.Contains(ids, m.rows[i].ID) {
			m.rows[i].VirtualProductID = productID
			m.rows[i].VirtualVariantID = variantID
		}
	}
	return nil
}

func (m *memStore) MarkUsed(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if slices.Contains(ids, m.rows[i].ID) {
			m.rows[i].Used = true
		}
	}
	return nil
}

func (m *memStore) DeleteOrphanedIntents(_ context.Context, before time.Time) (int64, error) {
	return m.remove(func(d *Discount) bool {
		return d.Issued() || d.VirtualProductID != "" || !d.CreatedAt.Before(before)
	}), nil
}

func (m *memStore) all() []Discount {
	return m.filter(func(*Discount) bool { return true })
}

type mockDirectory struct {
	events    map[string]*party.Event
	attendees []party.Attendee
	looks     map[string]*party.Look
}

var _ party.Directory = (*mockDirectory)(nil)

func (m *mockDirectory) GetEvent(_ context.Context, id string) (*party.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return nil, party.ErrNotFound
	}
	return ev, nil
}

func (m *mockDirectory) GetAttendee(_ context.Context, id string) (*party.Attendee, error) {
	for i := range m.attendees {
		if m.attendees[i].ID == id {
			a := m.attendees[i]
			return &a, nil
		}
	}
	return nil, party.ErrNotFound
}

func (m *mockDirectory) ListAttendees(_ context.Context, eventID string) ([]party.Attendee, error) {
	var out []party.Attendee
	for _, a := range m.attendees {
		if a.EventID == eventID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockDirectory) GetLook(_ context.Context, id string) (*party.Look, error) {
	l, ok := m.looks[id]
	if !ok {
		return nil, party.ErrNotFound
	}
	return l, nil
}

type mockCommerce struct {
	mu sync.Mutex

	prices   map[string]decimal.Decimal
	products map[string]VirtualProduct
	deleted  []string
	codes    []CodeRequest
	applied  map[string][]string
	seq      int

	createProductErr error
	noVariants       bool
	createCodeErr    error
	// codeEntered and codeGate, when set, park CreateDiscountCode until the
	// gate is closed.
	codeEntered chan struct{}
	codeGate    chan struct{}
	applyErr         error
}

var _ Commerce = (*mockCommerce)(nil)

func newMockCommerce(prices map[string]decimal.Decimal) *mockCommerce {
	return &mockCommerce{
		prices:   prices,
		products: make(map[string]VirtualProduct),
		applied:  make(map[string][]string),
	}
}

func (m *mockCommerce) CreateVirtualProduct(_ context.Context, p VirtualProduct) (*CreatedProduct, error) {
	if m.createProductErr != nil {
		return nil, m.createProductErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("prod-%d", m.seq)
	m.products[id] = p
	created := &CreatedProduct{ID: id}
	if !m.noVariants {
		created.VariantIDs = []string{fmt.Sprintf("var-%d", m.seq)}
	}
	return created, nil
}

func (m *mockCommerce) DeleteProduct(_ context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, productID)
	m.deleted = append(m.deleted, productID)
	return nil
}

func (m *mockCommerce) CreateDiscountCode(_ context.Context, req CodeRequest) (*IssuedCode, error) {
	if m.createCodeErr != nil {
		return nil, m.createCodeErr
	}
	if m.codeEntered != nil {
		m.codeEntered <- struct{}{}
	}
	if m.codeGate != nil {
		<-m.codeGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.codes = append(m.codes, req)
	return &IssuedCode{ID: fmt.Sprintf("code-%d", m.seq), Code: req.Code}, nil
}

func (m *mockCommerce) VariantPrices(_ context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		if p, ok := m.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *mockCommerce) ApplyDiscountCodesToCart(_ context.Context, cartID string, codes []string) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied[cartID] = append(m.applied[cartID], codes...)
	return nil
}

func (m *mockCommerce) codesIssued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes)
}

// --- Helpers ---

var (
	errBoom   = errors.New("boom")
	testNow   = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	testEvent = &party.Event{ID: "e1", Name: "Smith Wedding", OwnerID: "owner", IsActive: true}
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func attendee(id string, opts ...func(*party.Attendee)) party.Attendee {
	a := party.Attendee{
		ID:         id,
		EventID:    "e1",
		FirstName:  "First" + id,
		LastName:   "Last",
		CustomerID: "cust-" + id,
		LookID:     "l1",
		Style:      true,
		Invite:     true,
		IsActive:   true,
	}
	for _, o := range opts {
		o(&a)
	}
	return a
}

func noLook(a *party.Attendee)     { a.LookID = "" }
func notInvited(a *party.Attendee) { a.Invite = false }
func notStyled(a *party.Attendee)  { a.Style = false }
func inactive(a *party.Attendee)   { a.IsActive = false }

type fixture struct {
	store    *memStore
	dir      *mockDirectory
	commerce *mockCommerce
	engine   *Engine
}

// newFixture builds an engine over event e1 whose look l1 costs lookPrice.
func newFixture(t *testing.T, lookPrice string, attendees ...party.Attendee) *fixture {
	t.Helper()

	f := &fixture{
		store: &memStore{},
		dir: &mockDirectory{
			events:    map[string]*party.Event{"e1": testEvent},
			attendees: attendees,
			looks: map[string]*party.Look{
				"l1": {ID: "l1", Name: "Navy Suit", BundleVariantID: "bundle-1", VariantIDs: []string{"jacket", "pants"}},
				"l2": {ID: "l2", Name: "Empty", BundleVariantID: "bundle-2"},
			},
		},
		commerce: newMockCommerce(map[string]decimal.Decimal{
			"bundle-1": d(lookPrice),
			"bundle-2": d(lookPrice),
		}),
	}
	e, err := NewEngine(f.store, f.dir, f.commerce, DefaultConfig())
	require.NoError(t, err)

	seq := 0
	e.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	e.now = func() time.Time { return testNow }
	f.engine = e
	return f
}

func (f *fixture) attendeeRows(id string) []Discount {
	return f.store.filter(func(d *Discount) bool { return d.AttendeeID == id })
}
