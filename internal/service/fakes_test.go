package service

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// mockTx implements pgx.Tx for tests that never roll back.
type mockTx struct{ pgx.Tx }

func (m *mockTx) Rollback(_ context.Context) error { return nil }
func (m *mockTx) Commit(_ context.Context) error   { return nil }

// memStore is an in-memory stand-in for the settlement schema. Transactions
// are fully serialized (a coarse version of the row locks the services take)
// and roll back through an undo log.
type memStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	accounts     map[uuid.UUID]domain.Account
	accountOrder []uuid.UUID
	drains       map[uuid.UUID]domain.AccountDrain // by invoice id
	invoices     map[uuid.UUID]domain.Invoice
	receipts     []domain.AmountReceived
	orders       map[uuid.UUID]domain.Order
	orderSeq     []uuid.UUID
	rates        map[uuid.UUID]domain.OrderExchangeRate // by order id
	intents      map[string]domain.PaymentIntent
	fees         map[uuid.UUID]domain.Fee // by fee id
	payouts      map[uuid.UUID]domain.Payout
	orderPayouts map[uuid.UUID]uuid.UUID // order id -> payout id
	events       []domain.Event

	// errs injects failures by operation name, e.g. "fees.Update".
	errs map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		accounts:     make(map[uuid.UUID]domain.Account),
		drains:       make(map[uuid.UUID]domain.AccountDrain),
		invoices:     make(map[uuid.UUID]domain.Invoice),
		orders:       make(map[uuid.UUID]domain.Order),
		rates:        make(map[uuid.UUID]domain.OrderExchangeRate),
		intents:      make(map[string]domain.PaymentIntent),
		fees:         make(map[uuid.UUID]domain.Fee),
		payouts:      make(map[uuid.UUID]domain.Payout),
		orderPayouts: make(map[uuid.UUID]uuid.UUID),
		errs:         make(map[string]error),
	}
}

func (s *memStore) injected(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[op]
}

func (s *memStore) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// onRollback registers undo for a write made inside tx. Writes without a tx
// are autocommitted.
func onRollback(tx pgx.Tx, undo func()) {
	if ftx, ok := tx.(*fakeTx); ok {
		ftx.undo = append(ftx.undo, undo)
	}
}

// --- Transactor ---

type fakeTransactor struct {
	store *memStore
	// beginErr, when set, fails every Begin.
	beginErr error
}

type fakeTx struct {
	pgx.Tx
	store     *memStore
	undo      []func()
	committed bool
	once      sync.Once
}

func (t *fakeTransactor) Begin(_ context.Context) (pgx.Tx, error) {
	if t.beginErr != nil {
		return nil, t.beginErr
	}
	t.store.txMu.Lock()
	return &fakeTx{store: t.store}, nil
}

func (t *fakeTx) Commit(_ context.Context) error {
	if err := t.store.injected("tx.Commit"); err != nil {
		t.finish()
		return err
	}
	t.committed = true
	t.finish()
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.finish()
	return nil
}

func (t *fakeTx) finish() {
	t.once.Do(func() {
		if !t.committed {
			t.store.mu.Lock()
			for i := len(t.undo) - 1; i >= 0; i-- {
				t.undo[i]()
			}
			t.store.mu.Unlock()
		}
		t.store.txMu.Unlock()
	})
}

// --- Accounts ---

type fakeAccountRepo struct{ *memStore }

func (r fakeAccountRepo) Create(_ context.Context, tx pgx.Tx, a *domain.Account) error {
	if err := r.injected("accounts.Create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = *a
	r.accountOrder = append(r.accountOrder, a.ID)
	onRollback(tx, func() {
		delete(r.accounts, a.ID)
		r.accountOrder = r.accountOrder[:len(r.accountOrder)-1]
	})
	return nil
}

func (r fakeAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r fakeAccountRepo) FindFreePooledForUpdate(_ context.Context, _ pgx.Tx, currency domain.Currency) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	busy := make(map[uuid.UUID]bool)
	for _, inv := range r.invoices {
		if inv.AccountID != nil {
			busy[*inv.AccountID] = true
		}
	}
	for _, id := range r.accountOrder {
		a := r.accounts[id]
		if a.IsPooled && a.Currency == currency && !busy[id] {
			return &a, nil
		}
	}
	return nil, nil
}

func (r fakeAccountRepo) RecordDrain(_ context.Context, tx pgx.Tx, d *domain.AccountDrain) error {
	if err := r.injected("accounts.RecordDrain"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drains[d.InvoiceID]; ok {
		return nil
	}
	r.drains[d.InvoiceID] = *d
	onRollback(tx, func() { delete(r.drains, d.InvoiceID) })
	return nil
}

// --- Invoices ---

type fakeInvoiceRepo struct{ *memStore }

func (r fakeInvoiceRepo) Create(_ context.Context, tx pgx.Tx, inv *domain.Invoice) error {
	if err := r.injected("invoices.Create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoices[inv.ID] = *inv
	onRollback(tx, func() { delete(r.invoices, inv.ID) })
	return nil
}

func (r fakeInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (r fakeInvoiceRepo) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*domain.Invoice, error) {
	if err := r.injected("invoices.GetByIDForUpdate"); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r fakeInvoiceRepo) GetByAccountIDForUpdate(_ context.Context, _ pgx.Tx, accountID uuid.UUID) (*domain.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *domain.Invoice
	for _, inv := range r.invoices {
		if inv.AccountID != nil && *inv.AccountID == accountID {
			if found == nil || inv.CreatedAt.After(found.CreatedAt) {
				c := inv
				found = &c
			}
		}
	}
	return found, nil
}

func (r fakeInvoiceRepo) UpdateSettlement(_ context.Context, tx pgx.Tx, inv *domain.Invoice) error {
	if err := r.injected("invoices.UpdateSettlement"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("invoice not found: %s", inv.ID)
	}
	next := old
	next.AmountCaptured = inv.AmountCaptured
	next.FinalAmountPaid = inv.FinalAmountPaid
	next.FinalCashbackAmount = inv.FinalCashbackAmount
	if next.PaidAt == nil {
		next.PaidAt = inv.PaidAt
	}
	next.UpdatedAt = inv.UpdatedAt
	r.invoices[inv.ID] = next
	onRollback(tx, func() { r.invoices[inv.ID] = old })
	return nil
}

func (r fakeInvoiceRepo) ReleaseAccount(_ context.Context, tx pgx.Tx, invoiceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.invoices[invoiceID]
	if !ok || old.PaidAt == nil || old.AccountID == nil {
		return nil
	}
	next := old
	next.AccountID = nil
	r.invoices[invoiceID] = next
	onRollback(tx, func() { r.invoices[invoiceID] = old })
	return nil
}

func (r fakeInvoiceRepo) AddAmountReceived(_ context.Context, tx pgx.Tx, e *domain.AmountReceived) (bool, error) {
	if err := r.injected("invoices.AddAmountReceived"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.receipts {
		if existing.SourceRef == e.SourceRef {
			return false, nil
		}
	}
	r.receipts = append(r.receipts, *e)
	onRollback(tx, func() { r.receipts = r.receipts[:len(r.receipts)-1] })
	return true, nil
}

func (r fakeInvoiceRepo) SumAmountsReceived(_ context.Context, _ pgx.Tx, invoiceID uuid.UUID) (domain.Amount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := domain.ZeroAmount
	for _, e := range r.receipts {
		if e.InvoiceID == invoiceID {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (r fakeInvoiceRepo) ListAmountsReceived(_ context.Context, invoiceID uuid.UUID) ([]domain.AmountReceived, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AmountReceived
	for _, e := range r.receipts {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Orders ---

type fakeOrderRepo struct{ *memStore }

func (r fakeOrderRepo) Create(_ context.Context, tx pgx.Tx, o *domain.Order) error {
	if err := r.injected("orders.Create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = *o
	r.orderSeq = append(r.orderSeq, o.ID)
	onRollback(tx, func() {
		delete(r.orders, o.ID)
		r.orderSeq = r.orderSeq[:len(r.orderSeq)-1]
	})
	return nil
}

func (r fakeOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r fakeOrderRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Order
	for _, id := range r.orderSeq {
		if o := r.orders[id]; o.InvoiceID == invoiceID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r fakeOrderRepo) ListPayoutCandidates(_ context.Context, _ pgx.Tx, p ports.PayoutCandidateParams) ([]ports.PayoutCandidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	feeByOrder := make(map[uuid.UUID]domain.Fee, len(r.fees))
	for _, f := range r.fees {
		feeByOrder[f.OrderID] = f
	}

	var out []ports.PayoutCandidate
	for _, id := range r.orderSeq {
		o := r.orders[id]
		if o.SellerID != p.SellerID {
			continue
		}
		if len(p.OrderIDs) > 0 && !slices.Contains(p.OrderIDs, o.ID) {
			continue
		}
		inv := r.invoices[o.InvoiceID]
		if inv.BuyerCurrency != p.Currency || !inv.IsPaid() {
			continue
		}
		fee, ok := feeByOrder[o.ID]
		if !ok || fee.Status != domain.FeeCharged {
			continue
		}
		rate, ok := r.rates[o.ID]
		if !ok || !rate.IsUsable() {
			continue
		}
		if _, taken := r.orderPayouts[o.ID]; taken {
			continue
		}
		out = append(out, ports.PayoutCandidate{Order: o, Rate: rate.Rate, FeeAmount: fee.Amount})
	}
	return out, nil
}

// --- Exchange rates ---

type fakeRateRepo struct{ *memStore }

func (r fakeRateRepo) Create(_ context.Context, tx pgx.Tx, rate *domain.OrderExchangeRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[rate.OrderID] = *rate
	onRollback(tx, func() { delete(r.rates, rate.OrderID) })
	return nil
}

func (r fakeRateRepo) GetByOrderID(_ context.Context, orderID uuid.UUID) (*domain.OrderExchangeRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rate, ok := r.rates[orderID]
	if !ok {
		return nil, nil
	}
	return &rate, nil
}

func (r fakeRateRepo) GetByOrderIDForUpdate(ctx context.Context, _ pgx.Tx, orderID uuid.UUID) (*domain.OrderExchangeRate, error) {
	return r.GetByOrderID(ctx, orderID)
}

func (r fakeRateRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]domain.OrderExchangeRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.OrderExchangeRate
	for _, id := range r.orderSeq {
		if r.orders[id].InvoiceID != invoiceID {
			continue
		}
		if rate, ok := r.rates[id]; ok {
			out = append(out, rate)
		}
	}
	return out, nil
}

func (r fakeRateRepo) Lock(_ context.Context, tx pgx.Tx, id uuid.UUID, rate decimal.Decimal, externalRef *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for orderID, old := range r.rates {
		if old.ID != id {
			continue
		}
		if old.Status != domain.ExchangeRatePending {
			return false, nil
		}
		next := old
		next.Rate = rate
		next.ExternalRef = externalRef
		next.Status = domain.ExchangeRateLocked
		r.rates[orderID] = next
		onRollback(tx, func() { r.rates[orderID] = old })
		return true, nil
	}
	return false, nil
}

func (r fakeRateRepo) MarkAppliedByInvoice(_ context.Context, tx pgx.Tx, invoiceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for orderID, old := range r.rates {
		if r.orders[orderID].InvoiceID != invoiceID || old.Status != domain.ExchangeRateLocked {
			continue
		}
		next := old
		next.Status = domain.ExchangeRateApplied
		r.rates[orderID] = next
		onRollback(tx, func() { r.rates[orderID] = old })
	}
	return nil
}

func (r fakeRateRepo) ExpirePending(_ context.Context, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for orderID, rate := range r.rates {
		if rate.Status == domain.ExchangeRatePending && rate.CreatedAt.Before(createdBefore) {
			rate.Status = domain.ExchangeRateExpired
			r.rates[orderID] = rate
			n++
		}
	}
	return n, nil
}

// --- Payment intents ---

type fakeIntentRepo struct{ *memStore }

func (r fakeIntentRepo) CreateIfAbsent(_ context.Context, tx pgx.Tx, p *domain.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[p.ID]; ok {
		return nil
	}
	r.intents[p.ID] = *p
	onRollback(tx, func() { delete(r.intents, p.ID) })
	return nil
}

func (r fakeIntentRepo) GetByID(_ context.Context, id string) (*domain.PaymentIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.intents[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r fakeIntentRepo) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id string) (*domain.PaymentIntent, error) {
	return r.GetByID(ctx, id)
}

func (r fakeIntentRepo) Update(_ context.Context, tx pgx.Tx, p *domain.PaymentIntent) error {
	if err := r.injected("intents.Update"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.intents[p.ID]
	if !ok {
		return fmt.Errorf("payment intent not found: %s", p.ID)
	}
	r.intents[p.ID] = *p
	onRollback(tx, func() { r.intents[p.ID] = old })
	return nil
}

// --- Fees ---

type fakeFeeRepo struct{ *memStore }

func (r fakeFeeRepo) CreateIfAbsent(_ context.Context, tx pgx.Tx, f *domain.Fee) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.fees {
		if existing.OrderID == f.OrderID {
			return false, nil
		}
	}
	r.fees[f.ID] = *f
	onRollback(tx, func() { delete(r.fees, f.ID) })
	return true, nil
}

func (r fakeFeeRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]domain.Fee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Fee
	for _, f := range r.fees {
		if r.orders[f.OrderID].InvoiceID == invoiceID {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b domain.Fee) int { return cmp.Compare(a.OrderID.String(), b.OrderID.String()) })
	return out, nil
}

func (r fakeFeeRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*domain.Fee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fees[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (r fakeFeeRepo) Update(_ context.Context, tx pgx.Tx, f *domain.Fee) error {
	if err := r.injected("fees.Update"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.fees[f.ID]
	r.fees[f.ID] = *f
	onRollback(tx, func() { r.fees[f.ID] = old })
	return nil
}

// feeFor returns the fee recorded for an order.
func (s *memStore) feeFor(orderID uuid.UUID) (domain.Fee, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.fees {
		if f.OrderID == orderID {
			return f, true
		}
	}
	return domain.Fee{}, false
}

// --- Payouts ---

type fakePayoutRepo struct{ *memStore }

func (r fakePayoutRepo) Create(_ context.Context, tx pgx.Tx, p *domain.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payouts[p.ID]; ok {
		return fmt.Errorf("create payout: %w", ports.ErrDuplicate)
	}
	stored := *p
	stored.OrderIDs = nil
	r.payouts[p.ID] = stored
	onRollback(tx, func() { delete(r.payouts, p.ID) })
	return nil
}

func (r fakePayoutRepo) AddOrders(_ context.Context, tx pgx.Tx, payoutID uuid.UUID, orderIDs []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range orderIDs {
		if _, ok := r.orderPayouts[id]; ok {
			return fmt.Errorf("link order %s: %w", id, ports.ErrDuplicate)
		}
	}
	for _, id := range orderIDs {
		r.orderPayouts[id] = payoutID
		onRollback(tx, func() { delete(r.orderPayouts, id) })
	}
	return nil
}

func (r fakePayoutRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payouts[id]
	if !ok {
		return nil, nil
	}
	for _, orderID := range r.orderSeq {
		if r.orderPayouts[orderID] == id {
			p.OrderIDs = append(p.OrderIDs, orderID)
		}
	}
	return &p, nil
}

func (r fakePayoutRepo) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*domain.Payout, error) {
	return r.GetByID(ctx, id)
}

func (r fakePayoutRepo) MarkCompleted(_ context.Context, tx pgx.Tx, p *domain.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.payouts[p.ID]
	if !ok || old.CompletedAt != nil {
		return fmt.Errorf("payout %s not found or already completed", p.ID)
	}
	next := old
	next.CompletedAt = p.CompletedAt
	next.TransferRef = p.TransferRef
	r.payouts[p.ID] = next
	onRollback(tx, func() { r.payouts[p.ID] = old })
	return nil
}

func (r fakePayoutRepo) OrdersInPayout(_ context.Context, _ pgx.Tx, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uuid.UUID
	for _, id := range orderIDs {
		if _, ok := r.orderPayouts[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// --- Events ---

type fakeEventRepo struct{ *memStore }

func (r fakeEventRepo) Insert(_ context.Context, e *domain.Event) (int64, bool, error) {
	if err := r.injected("events.Insert"); err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ExternalID != nil {
		for _, existing := range r.events {
			if existing.ExternalID != nil && *existing.ExternalID == *e.ExternalID {
				return existing.ID, false, nil
			}
		}
	}
	return r.insertLocked(e), true, nil
}

func (r fakeEventRepo) InsertTx(_ context.Context, tx pgx.Tx, e *domain.Event) (int64, error) {
	if err := r.injected("events.InsertTx"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.insertLocked(e)
	onRollback(tx, func() {
		r.events = slices.DeleteFunc(r.events, func(x domain.Event) bool { return x.ID == id })
	})
	return id, nil
}

func (r fakeEventRepo) insertLocked(e *domain.Event) int64 {
	var id int64 = 1
	if n := len(r.events); n > 0 {
		id = r.events[n-1].ID + 1
	}
	stored := *e
	stored.ID = id
	stored.Payload = nil
	r.events = append(r.events, stored)
	e.ID = id
	return id
}

func (r fakeEventRepo) Claim(_ context.Context, limit, maxAttempts int, now time.Time) ([]domain.Event, error) {
	if err := r.injected("events.Claim"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for i := range r.events {
		if len(out) == limit {
			break
		}
		e := &r.events[i]
		due := e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
		ready := e.Status == domain.EventNew || (e.Status == domain.EventFailed && e.AttemptCount < maxAttempts)
		if ready && due {
			e.Status = domain.EventProcessing
			e.StatusUpdatedAt = now
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r fakeEventRepo) find(id int64) (int, bool) {
	for i := range r.events {
		if r.events[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (r fakeEventRepo) GetByID(_ context.Context, id int64) (*domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.find(id)
	if !ok {
		return nil, nil
	}
	e := r.events[i]
	return &e, nil
}

func (r fakeEventRepo) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id int64) (*domain.Event, error) {
	return r.GetByID(ctx, id)
}

func (r fakeEventRepo) ListStuckForUpdate(_ context.Context, _ pgx.Tx, before time.Time, limit int) ([]domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Event
	for _, e := range r.events {
		if len(out) == limit {
			break
		}
		if e.Status == domain.EventProcessing && e.StatusUpdatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r fakeEventRepo) UpdateStatus(_ context.Context, tx pgx.Tx, e *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.find(e.ID)
	if !ok {
		return fmt.Errorf("event not found: %d", e.ID)
	}
	old := r.events[i]
	next := old
	next.Status = e.Status
	next.AttemptCount = e.AttemptCount
	next.LastError = e.LastError
	next.NextAttemptAt = e.NextAttemptAt
	next.StatusUpdatedAt = e.StatusUpdatedAt
	r.events[i] = next
	onRollback(tx, func() {
		if j, ok := r.find(old.ID); ok {
			r.events[j] = old
		}
	})
	return nil
}

func (r fakeEventRepo) MarkDone(_ context.Context, id int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.find(id)
	if !ok || r.events[i].Status != domain.EventProcessing {
		return fmt.Errorf("event %d is not processing", id)
	}
	r.events[i].Status = domain.EventDone
	r.events[i].NextAttemptAt = nil
	r.events[i].StatusUpdatedAt = now
	return nil
}

func (r fakeEventRepo) ListByStatus(_ context.Context, status domain.EventStatus, limit int) ([]domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Event
	for _, e := range r.events {
		if len(out) == limit {
			break
		}
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r fakeEventRepo) Requeue(_ context.Context, id int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.find(id)
	if !ok || r.events[i].Status != domain.EventDead {
		return false, nil
	}
	r.events[i].Status = domain.EventNew
	r.events[i].AttemptCount = 0
	r.events[i].NextAttemptAt = nil
	r.events[i].StatusUpdatedAt = now
	return true, nil
}

// eventsOfKind returns stored events of kind, oldest first.
func (s *memStore) eventsOfKind(kind domain.EventKind) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// receiptsOf returns the ledger rows of an invoice.
func (s *memStore) receiptsOf(invoiceID uuid.UUID) []domain.AmountReceived {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AmountReceived
	for _, e := range s.receipts {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) invoice(id uuid.UUID) domain.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invoices[id]
}

// --- Engine ---

// testEngine wires every service on top of one memStore.
type testEngine struct {
	store      *memStore
	transactor *fakeTransactor
	events     *EventStoreService
	accounts   *AccountLedger
	invoices   *InvoiceServiceImpl
	reconciler *Reconciler
	fees       *FeeLedger
	payouts    *PayoutAggregator
	processor  *EventProcessor
}

type engineDeps struct {
	oracle      ports.RateOracle
	gateway     ports.PaymentGateway
	notifier    ports.DeadEventNotifier
	maxAttempts int
}

var testPlatformRate = decimal.RequireFromString("0.05")

func newTestEngine(deps engineDeps) *testEngine {
	store := newMemStore()
	log := newTestLogger()
	tr := &fakeTransactor{store: store}
	if deps.maxAttempts == 0 {
		deps.maxAttempts = 5
	}

	events := NewEventStore(fakeEventRepo{store}, tr, nil, deps.notifier, EventStoreConfig{
		MaxAttempts: deps.maxAttempts,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		StuckAfter:  5 * time.Minute,
	}, log)
	accounts := NewAccountLedger(fakeAccountRepo{store}, fakeInvoiceRepo{store}, deps.gateway, tr, log)
	invoices := NewInvoiceService(
		fakeInvoiceRepo{store}, fakeOrderRepo{store}, fakeRateRepo{store},
		accounts, deps.oracle, events, tr, time.Hour, log,
	)
	reconciler := NewReconciler(
		fakeInvoiceRepo{store}, fakeOrderRepo{store}, fakeRateRepo{store},
		fakeIntentRepo{store}, events, tr, log,
	)
	fees := NewFeeLedger(
		fakeFeeRepo{store}, fakeInvoiceRepo{store}, fakeOrderRepo{store}, fakeRateRepo{store},
		accounts, deps.gateway, tr, testPlatformRate, log,
	)
	payouts := NewPayoutAggregator(fakePayoutRepo{store}, fakeOrderRepo{store}, tr, log)
	processor := NewEventProcessor(events, reconciler, invoices, fees, payouts, ProcessorConfig{
		Workers:      1,
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
	}, log)

	return &testEngine{
		store:      store,
		transactor: tr,
		events:     events,
		accounts:   accounts,
		invoices:   invoices,
		reconciler: reconciler,
		fees:       fees,
		payouts:    payouts,
		processor:  processor,
	}
}

// drain processes events until the queue is empty.
func (e *testEngine) drain(ctx context.Context) {
	for range 100 {
		n, err := e.processor.ProcessOnce(ctx)
		if err != nil || n == 0 {
			return
		}
	}
}
