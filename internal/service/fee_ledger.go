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

// FeeLedger records and charges the platform fee of every order of a paid invoice.
type FeeLedger struct {
	fees         ports.FeeRepository
	invoices     ports.InvoiceRepository
	orders       ports.OrderRepository
	rates        ports.ExchangeRateRepository
	accounts     *AccountLedger
	gateway      ports.PaymentGateway
	transactor   ports.DBTransactor
	platformRate decimal.Decimal
	now          func() time.Time
	log          zerolog.Logger
}

// NewFeeLedger creates a new FeeLedger.
func NewFeeLedger(
	fees ports.FeeRepository,
	invoices ports.InvoiceRepository,
	orders ports.OrderRepository,
	rates ports.ExchangeRateRepository,
	accounts *AccountLedger,
	gateway ports.PaymentGateway,
	transactor ports.DBTransactor,
	platformRate decimal.Decimal,
	log zerolog.Logger,
) *FeeLedger {
	return &FeeLedger{
		fees:         fees,
		invoices:     invoices,
		orders:       orders,
		rates:        rates,
		accounts:     accounts,
		gateway:      gateway,
		transactor:   transactor,
		platformRate: platformRate,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
}

// HandleInvoicePaid creates the missing fees of a paid invoice, drains and
// releases its pooled account and charges every fee that is not charged yet.
// Any failed drain or charge makes the whole call fail so the event is
// re-driven; finished steps are skipped on replay.
func (l *FeeLedger) HandleInvoicePaid(ctx context.Context, e *domain.InvoicePaid) error {
	if err := l.recordFees(ctx, e.InvoiceID); err != nil {
		return err
	}
	if err := l.accounts.DrainAndRelease(ctx, e.InvoiceID); err != nil {
		return err
	}

	fees, err := l.fees.ListByInvoice(ctx, e.InvoiceID)
	if err != nil {
		return dbError(err)
	}

	// Gateway calls run with no transaction open.
	var failed []error
	for i := range fees {
		fee := &fees[i]
		if !fee.NeedsCharge() {
			continue
		}
		charge, chargeErr := l.gateway.ChargeFee(ctx, ports.ChargeFeeRequest{
			OrderID:        fee.OrderID,
			Amount:         fee.Amount,
			Currency:       fee.Currency,
			IdempotencyKey: fee.IdempotencyKey(),
		})
		if err := l.recordCharge(ctx, fee.ID, charge, chargeErr); err != nil {
			return err
		}
		if chargeErr != nil {
			failed = append(failed, fmt.Errorf("order %s: %w", fee.OrderID, chargeErr))
		}
	}

	if len(failed) > 0 {
		return apperror.ErrGatewayUnavailable(errors.Join(failed...))
	}
	return nil
}

// recordFees inserts a pending fee for every order of the invoice that has
// none, in one transaction.
func (l *FeeLedger) recordFees(ctx context.Context, invoiceID uuid.UUID) error {
	dbTx, err := l.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	inv, err := l.invoices.GetByIDForUpdate(ctx, dbTx, invoiceID)
	if err != nil {
		return dbError(err)
	}
	if inv == nil {
		return apperror.ErrNotFound("invoice")
	}
	if !inv.IsPaid() {
		return apperror.Validation(fmt.Sprintf("invoice %s is not paid", invoiceID))
	}

	orders, err := l.orders.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return dbError(err)
	}
	rates, err := l.rates.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return dbError(err)
	}
	byOrder := rateMap(rates)

	now := l.now()
	created := 0
	for _, o := range orders {
		rate := byOrder[o.ID]
		if !rate.IsUsable() {
			return apperror.Validation(fmt.Sprintf("order %s of a paid invoice has no locked rate", o.ID))
		}

		fee := &domain.Fee{
			ID:       uuid.New(),
			OrderID:  o.ID,
			Amount:   domain.ComputeFee(rate.ConvertPrice(o.TotalAmount), l.platformRate),
			Currency: inv.BuyerCurrency,
			Status:   domain.FeePending,
			Metadata: domain.FeeMetadata{
				PlatformRate: l.platformRate.String(),
				ExchangeRate: rate.Rate.String(),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if fee.Amount.IsZero() {
			fee.Status = domain.FeeCharged
		}

		ok, err := l.fees.CreateIfAbsent(ctx, dbTx, fee)
		if err != nil {
			return dbError(err)
		}
		if ok {
			created++
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	if created > 0 {
		l.log.Info().Str("invoice_id", invoiceID.String()).Int("fees", created).Msg("fees recorded")
	}
	return nil
}

// recordCharge stores the outcome of one gateway charge under the fee's row lock.
func (l *FeeLedger) recordCharge(ctx context.Context, feeID uuid.UUID, charge *ports.FeeCharge, chargeErr error) error {
	dbTx, err := l.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	fee, err := l.fees.GetByIDForUpdate(ctx, dbTx, feeID)
	if err != nil {
		return dbError(err)
	}
	if fee == nil {
		return apperror.ErrNotFound("fee")
	}
	if fee.Status == domain.FeeCharged {
		return nil
	}

	fee.UpdatedAt = l.now()
	if chargeErr != nil {
		fee.Status = domain.FeeFailed
		fee.Metadata.FailureReason = chargeErr.Error()
		fee.Metadata.Attempts++
	} else {
		fee.Status = domain.FeeCharged
		fee.ChargeID = &charge.ChargeID
		fee.Metadata.FailureReason = ""
	}

	if err := l.fees.Update(ctx, dbTx, fee); err != nil {
		return dbError(err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	if chargeErr != nil {
		l.log.Warn().Err(chargeErr).
			Str("fee_id", fee.ID.String()).
			Str("order_id", fee.OrderID.String()).
			Int("attempts", fee.Metadata.Attempts).
			Msg("fee charge failed")
	} else {
		l.log.Info().
			Str("fee_id", fee.ID.String()).
			Str("order_id", fee.OrderID.String()).
			Str("charge_id", charge.ChargeID).
			Str("amount", fee.Amount.String()).
			Msg("fee charged")
	}
	return nil
}
