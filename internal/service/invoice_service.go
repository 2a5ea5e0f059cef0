package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// InvoiceServiceImpl implements ports.InvoiceService.
type InvoiceServiceImpl struct {
	invoices   ports.InvoiceRepository
	orders     ports.OrderRepository
	rates      ports.ExchangeRateRepository
	accounts   *AccountLedger
	oracle     ports.RateOracle
	events     outbox
	transactor ports.DBTransactor
	settler    *invoiceSettler
	lockExpiry time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewInvoiceService creates a new InvoiceServiceImpl.
func NewInvoiceService(
	invoices ports.InvoiceRepository,
	orders ports.OrderRepository,
	rates ports.ExchangeRateRepository,
	accounts *AccountLedger,
	oracle ports.RateOracle,
	events outbox,
	transactor ports.DBTransactor,
	lockExpiry time.Duration,
	log zerolog.Logger,
) *InvoiceServiceImpl {
	return &InvoiceServiceImpl{
		invoices:   invoices,
		orders:     orders,
		rates:      rates,
		accounts:   accounts,
		oracle:     oracle,
		events:     events,
		transactor: transactor,
		settler:    newInvoiceSettler(invoices, orders, rates, events, log),
		lockExpiry: lockExpiry,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// CreateInvoice creates an invoice with its orders and one exchange rate per
// order. Rates the oracle could not quote stay pending and are retried
// through RateLockRequested events.
func (s *InvoiceServiceImpl) CreateInvoice(ctx context.Context, req ports.CreateInvoiceRequest) (*ports.InvoiceView, error) {
	if err := validateCreateInvoice(req); err != nil {
		return nil, err
	}

	// Quote before the transaction; the oracle is never called with a tx open.
	quotes := make([]*decimal.Decimal, len(req.Orders))
	for i, o := range req.Orders {
		rate, err := s.quote(ctx, o.SellerCurrency, req.BuyerCurrency)
		if err != nil {
			s.log.Warn().Err(err).
				Str("seller_currency", string(o.SellerCurrency)).
				Str("buyer_currency", string(req.BuyerCurrency)).
				Msg("rate quote failed, lock deferred")
			continue
		}
		quotes[i] = &rate
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	account, err := s.accounts.AcquireForInvoice(ctx, dbTx, req.BuyerCurrency)
	if err != nil {
		return nil, dbError(err)
	}

	now := s.now()
	inv := &domain.Invoice{
		ID:             uuid.New(),
		AccountID:      &account.ID,
		BuyerCurrency:  req.BuyerCurrency,
		AmountCaptured: domain.ZeroAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.invoices.Create(ctx, dbTx, inv); err != nil {
		return nil, dbError(fmt.Errorf("create invoice: %w", err))
	}

	orders := make([]domain.Order, 0, len(req.Orders))
	rates := make(map[uuid.UUID]*domain.OrderExchangeRate, len(req.Orders))
	for i, o := range req.Orders {
		order := domain.Order{
			ID:             uuid.New(),
			InvoiceID:      inv.ID,
			SellerID:       o.SellerID,
			SellerCurrency: o.SellerCurrency,
			TotalAmount:    o.TotalAmount,
			CashbackAmount: o.CashbackAmount,
			CreatedAt:      now,
		}
		if err := s.orders.Create(ctx, dbTx, &order); err != nil {
			return nil, dbError(fmt.Errorf("create order: %w", err))
		}

		rate := &domain.OrderExchangeRate{
			ID:        uuid.New(),
			OrderID:   order.ID,
			Status:    domain.ExchangeRatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if quotes[i] != nil {
			rate.Rate = *quotes[i]
			rate.Status = domain.ExchangeRateLocked
		}
		if err := s.rates.Create(ctx, dbTx, rate); err != nil {
			return nil, dbError(fmt.Errorf("create exchange rate: %w", err))
		}
		if rate.Status == domain.ExchangeRatePending {
			if _, err := s.events.AppendTx(ctx, dbTx, &domain.RateLockRequested{OrderID: order.ID}); err != nil {
				return nil, dbError(err)
			}
		}

		orders = append(orders, order)
		rates[order.ID] = rate
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, dbError(fmt.Errorf("commit tx: %w", err))
	}

	price := domain.PriceInvoice(inv, orders, rates)
	s.log.Info().
		Str("invoice_id", inv.ID.String()).
		Str("account_id", account.ID.String()).
		Int("orders", len(orders)).
		Bool("has_missing_rates", price.HasMissingRates).
		Str("total_price", price.TotalPrice.String()).
		Msg("invoice created")

	return &ports.InvoiceView{Invoice: *inv, Price: price, Receipts: []domain.AmountReceived{}}, nil
}

func validateCreateInvoice(req ports.CreateInvoiceRequest) error {
	if !req.BuyerCurrency.IsValid() {
		return apperror.ErrUnknownCurrency(string(req.BuyerCurrency))
	}
	if len(req.Orders) == 0 {
		return apperror.Validation("an invoice needs at least one order")
	}
	for _, o := range req.Orders {
		if o.SellerID == uuid.Nil {
			return apperror.Validation("seller_id is required")
		}
		if !o.SellerCurrency.IsValid() {
			return apperror.ErrUnknownCurrency(string(o.SellerCurrency))
		}
		if !o.TotalAmount.IsPositive() {
			return apperror.ErrInvalidAmount()
		}
		if o.CashbackAmount.IsNegative() {
			return apperror.Validation("cashback_amount must not be negative")
		}
	}
	return nil
}

func (s *InvoiceServiceImpl) quote(ctx context.Context, from, to domain.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	return s.oracle.GetRate(ctx, from, to)
}

// GetInvoice returns the invoice with its per-order prices and receipts.
func (s *InvoiceServiceImpl) GetInvoice(ctx context.Context, id uuid.UUID) (*ports.InvoiceView, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, dbError(err)
	}
	if inv == nil {
		return nil, apperror.ErrNotFound("invoice")
	}

	price, err := s.settler.price(ctx, inv)
	if err != nil {
		return nil, err
	}
	receipts, err := s.invoices.ListAmountsReceived(ctx, id)
	if err != nil {
		return nil, dbError(err)
	}
	if receipts == nil {
		receipts = []domain.AmountReceived{}
	}

	return &ports.InvoiceView{Invoice: *inv, Price: price, Receipts: receipts}, nil
}

// LockRate freezes the exchange rate of an order. It is idempotent: a rate
// that is already locked is returned unchanged.
func (s *InvoiceServiceImpl) LockRate(ctx context.Context, orderID uuid.UUID) (*domain.OrderExchangeRate, error) {
	current, err := s.rates.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, dbError(err)
	}
	if current == nil {
		return nil, apperror.ErrNotFound("exchange rate")
	}
	if current.IsUsable() {
		return current, nil
	}
	if current.Status == domain.ExchangeRateExpired {
		return nil, apperror.ErrConflict("exchange rate lock expired")
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, dbError(err)
	}
	if order == nil {
		return nil, apperror.ErrNotFound("order")
	}
	inv, err := s.invoices.GetByID(ctx, order.InvoiceID)
	if err != nil {
		return nil, dbError(err)
	}
	if inv == nil {
		return nil, apperror.ErrNotFound("invoice")
	}

	quoted, err := s.quote(ctx, order.SellerCurrency, inv.BuyerCurrency)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperror.ErrRateUnavailable(err)
	}

	locked, err := s.lock(ctx, orderID, quoted)
	if err != nil {
		return nil, err
	}

	// Funds may have arrived while the rate was pending.
	if err := s.settler.settleByID(ctx, s.transactor, order.InvoiceID); err != nil {
		return nil, err
	}
	return locked, nil
}

func (s *InvoiceServiceImpl) lock(ctx context.Context, orderID uuid.UUID, quoted decimal.Decimal) (*domain.OrderExchangeRate, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	rate, err := s.rates.GetByOrderIDForUpdate(ctx, dbTx, orderID)
	if err != nil {
		return nil, dbError(err)
	}
	if rate == nil {
		return nil, apperror.ErrNotFound("exchange rate")
	}
	if rate.Status != domain.ExchangeRatePending {
		// Someone else settled the row first; a locked rate is never rewritten.
		if rate.IsUsable() {
			return rate, nil
		}
		return nil, apperror.ErrConflict("exchange rate lock expired")
	}

	ok, err := s.rates.Lock(ctx, dbTx, rate.ID, quoted, nil)
	if err != nil {
		return nil, dbError(err)
	}
	if !ok {
		return nil, apperror.ErrConflict("exchange rate is no longer pending")
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, dbError(fmt.Errorf("commit tx: %w", err))
	}

	rate.Rate = quoted
	rate.Status = domain.ExchangeRateLocked
	rate.UpdatedAt = s.now()

	s.log.Info().
		Str("order_id", orderID.String()).
		Str("rate", quoted.String()).
		Msg("exchange rate locked")
	return rate, nil
}

// ExpireStaleRateLocks gives up on rates that stayed pending longer than the
// configured lock expiry.
func (s *InvoiceServiceImpl) ExpireStaleRateLocks(ctx context.Context) (int64, error) {
	n, err := s.rates.ExpirePending(ctx, s.now().Add(-s.lockExpiry))
	if err != nil {
		return 0, dbError(err)
	}
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("expired pending exchange rates")
	}
	return n, nil
}

// HandleRateLockRequested retries the lock of a pending rate.
func (s *InvoiceServiceImpl) HandleRateLockRequested(ctx context.Context, e *domain.RateLockRequested) error {
	_, err := s.LockRate(ctx, e.OrderID)
	return err
}
