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
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// outbox appends events inside an aggregate transaction.
type outbox interface {
	AppendTx(ctx context.Context, tx pgx.Tx, payload domain.EventPayload) (int64, error)
}

// invoiceSettler owns the captured total and the paid transition of invoices.
// Every method expects the invoice row to be locked by tx.
type invoiceSettler struct {
	invoices ports.InvoiceRepository
	orders   ports.OrderRepository
	rates    ports.ExchangeRateRepository
	outbox   outbox
	now      func() time.Time
	log      zerolog.Logger
}

func newInvoiceSettler(
	invoices ports.InvoiceRepository,
	orders ports.OrderRepository,
	rates ports.ExchangeRateRepository,
	events outbox,
	log zerolog.Logger,
) *invoiceSettler {
	return &invoiceSettler{
		invoices: invoices,
		orders:   orders,
		rates:    rates,
		outbox:   events,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// credit appends a receipt to the invoice ledger and re-derives the captured
// total. A known sourceRef is a no-op and reports false.
func (s *invoiceSettler) credit(ctx context.Context, tx pgx.Tx, inv *domain.Invoice, sourceRef string, amount domain.Amount, at time.Time) (bool, error) {
	entry := &domain.AmountReceived{
		ID:        uuid.New(),
		InvoiceID: inv.ID,
		SourceRef: sourceRef,
		Amount:    amount,
		CreatedAt: s.now(),
	}
	added, err := s.invoices.AddAmountReceived(ctx, tx, entry)
	if err != nil {
		return false, dbError(err)
	}
	if !added {
		s.log.Debug().Str("invoice_id", inv.ID.String()).Str("source_ref", sourceRef).Msg("receipt already recorded")
		return false, nil
	}

	captured, err := s.invoices.SumAmountsReceived(ctx, tx, inv.ID)
	if err != nil {
		return false, dbError(err)
	}
	inv.AmountCaptured = captured

	if inv.IsPaid() {
		inv.AddOverpayment(amount)
		s.log.Info().
			Str("invoice_id", inv.ID.String()).
			Str("amount", amount.String()).
			Msg("overpayment credited to cashback")
		return true, s.save(ctx, tx, inv)
	}

	return true, s.settle(ctx, tx, inv, at)
}

// settle performs the paid transition when the captured total covers the
// price of every order. It always persists the invoice.
func (s *invoiceSettler) settle(ctx context.Context, tx pgx.Tx, inv *domain.Invoice, at time.Time) error {
	if !inv.IsPaid() {
		price, err := s.price(ctx, inv)
		if err != nil {
			return err
		}
		if price.IsFullyCaptured() {
			if err := inv.MarkPaid(at, price); err != nil {
				return apperror.ErrConflict(err.Error())
			}
			if err := s.rates.MarkAppliedByInvoice(ctx, tx, inv.ID); err != nil {
				return dbError(err)
			}
			if _, err := s.outbox.AppendTx(ctx, tx, &domain.InvoicePaid{InvoiceID: inv.ID, PaidAt: at}); err != nil {
				return dbError(err)
			}
			s.log.Info().
				Str("invoice_id", inv.ID.String()).
				Str("amount_paid", price.TotalPrice.String()).
				Str("amount_captured", inv.AmountCaptured.String()).
				Msg("invoice paid")
		}
	}
	return s.save(ctx, tx, inv)
}

func (s *invoiceSettler) save(ctx context.Context, tx pgx.Tx, inv *domain.Invoice) error {
	inv.UpdatedAt = s.now()
	if err := s.invoices.UpdateSettlement(ctx, tx, inv); err != nil {
		return dbError(err)
	}
	return nil
}

func (s *invoiceSettler) price(ctx context.Context, inv *domain.Invoice) (domain.InvoicePrice, error) {
	orders, err := s.orders.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return domain.InvoicePrice{}, dbError(err)
	}
	rates, err := s.rates.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return domain.InvoicePrice{}, dbError(err)
	}
	return domain.PriceInvoice(inv, orders, rateMap(rates)), nil
}

// settleByID locks an invoice and re-evaluates its paid state.
func (s *invoiceSettler) settleByID(ctx context.Context, transactor ports.DBTransactor, invoiceID uuid.UUID) error {
	tx, err := transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inv, err := s.invoices.GetByIDForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return dbError(err)
	}
	if inv == nil {
		return apperror.ErrNotFound("invoice")
	}
	if inv.IsPaid() || inv.AmountCaptured.IsZero() {
		return nil
	}

	if err := s.settle(ctx, tx, inv, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func rateMap(rates []domain.OrderExchangeRate) map[uuid.UUID]*domain.OrderExchangeRate {
	m := make(map[uuid.UUID]*domain.OrderExchangeRate, len(rates))
	for i := range rates {
		m[rates[i].OrderID] = &rates[i]
	}
	return m
}

// dbError classifies a repository failure. Lock timeouts stay retryable
// under their own code so callers can tell contention from breakage.
func dbError(err error) *apperror.AppError {
	if errors.Is(err, ports.ErrLockTimeout) {
		return apperror.ErrLockTimeout(err)
	}
	return apperror.ErrDatabaseError(err)
}

func commitTx(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}
