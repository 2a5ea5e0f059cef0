package service

import (
	"context"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// AccountLedger hands out pooled accounts to invoices and takes them back,
// drained, once the invoice is paid.
type AccountLedger struct {
	accounts   ports.AccountRepository
	invoices   ports.InvoiceRepository
	gateway    ports.PaymentGateway
	transactor ports.DBTransactor
	now        func() time.Time
	log        zerolog.Logger
}

// NewAccountLedger creates an AccountLedger.
func NewAccountLedger(
	accounts ports.AccountRepository,
	invoices ports.InvoiceRepository,
	gateway ports.PaymentGateway,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *AccountLedger {
	return &AccountLedger{
		accounts:   accounts,
		invoices:   invoices,
		gateway:    gateway,
		transactor: transactor,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// AcquireForInvoice returns a pooled account in currency that no invoice
// references, creating one when the pool is exhausted.
func (l *AccountLedger) AcquireForInvoice(ctx context.Context, tx pgx.Tx, currency domain.Currency) (*domain.Account, error) {
	account, err := l.accounts.FindFreePooledForUpdate(ctx, tx, currency)
	if err != nil {
		return nil, fmt.Errorf("find free account: %w", err)
	}
	if account != nil {
		return account, nil
	}

	account = domain.NewPooledAccount(currency, l.now())
	if err := l.accounts.Create(ctx, tx, account); err != nil {
		return nil, fmt.Errorf("create pooled account: %w", err)
	}
	l.log.Info().Str("account_id", account.ID.String()).Str("currency", string(currency)).Msg("pooled account created")
	return account, nil
}

// Release unlinks the account of a paid invoice so the pool can reuse it.
func (l *AccountLedger) Release(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) error {
	if err := l.invoices.ReleaseAccount(ctx, tx, invoiceID); err != nil {
		return fmt.Errorf("release account: %w", err)
	}
	return nil
}

// DrainAndRelease sweeps the balance of a paid invoice's pooled account and
// then unlinks it. The transfer runs with no transaction open and is keyed by
// the invoice, so a replay after a failed unlink repeats the same drain.
// An invoice whose account is already unlinked is a no-op.
func (l *AccountLedger) DrainAndRelease(ctx context.Context, invoiceID uuid.UUID) error {
	inv, err := l.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return dbError(err)
	}
	if inv == nil {
		return apperror.ErrNotFound("invoice")
	}
	if inv.AccountID == nil {
		return nil
	}
	if !inv.IsPaid() {
		return apperror.Validation(fmt.Sprintf("invoice %s is not paid", invoiceID))
	}

	account, err := l.accounts.GetByID(ctx, *inv.AccountID)
	if err != nil {
		return dbError(err)
	}
	if account == nil {
		return apperror.ErrNotFound("account")
	}

	transfer, err := l.gateway.DrainAccount(ctx, ports.DrainAccountRequest{
		AccountID:      account.ID,
		Currency:       account.Currency,
		IdempotencyKey: domain.DrainIdempotencyKey(invoiceID),
	})
	if err != nil {
		l.log.Warn().Err(err).
			Str("invoice_id", invoiceID.String()).
			Str("account_id", account.ID.String()).
			Msg("account drain failed")
		return apperror.ErrGatewayUnavailable(fmt.Errorf("drain account %s: %w", account.ID, err))
	}

	dbTx, err := l.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	locked, err := l.invoices.GetByIDForUpdate(ctx, dbTx, invoiceID)
	if err != nil {
		return dbError(err)
	}
	if locked == nil || locked.AccountID == nil || *locked.AccountID != account.ID {
		return nil
	}

	drain := &domain.AccountDrain{
		ID:         uuid.New(),
		InvoiceID:  invoiceID,
		AccountID:  account.ID,
		TransferID: transfer.TransferID,
		Amount:     transfer.Amount,
		CreatedAt:  l.now(),
	}
	if err := l.accounts.RecordDrain(ctx, dbTx, drain); err != nil {
		return dbError(err)
	}
	if err := l.Release(ctx, dbTx, invoiceID); err != nil {
		return dbError(err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	l.log.Info().
		Str("invoice_id", invoiceID.String()).
		Str("account_id", account.ID.String()).
		Str("transfer_id", transfer.TransferID).
		Str("amount", transfer.Amount.String()).
		Msg("account drained and released")
	return nil
}

// Get returns an account by ID.
func (l *AccountLedger) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := l.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, dbError(err)
	}
	if account == nil {
		return nil, apperror.ErrNotFound("account")
	}
	return account, nil
}
