package service

import (
	"context"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Reconciler applies gateway intent snapshots and direct transfers to
// invoices. Every handler is idempotent under replay.
type Reconciler struct {
	invoices   ports.InvoiceRepository
	intents    ports.PaymentIntentRepository
	transactor ports.DBTransactor
	settler    *invoiceSettler
	now        func() time.Time
	log        zerolog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(
	invoices ports.InvoiceRepository,
	orders ports.OrderRepository,
	rates ports.ExchangeRateRepository,
	intents ports.PaymentIntentRepository,
	events outbox,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		invoices:   invoices,
		intents:    intents,
		transactor: transactor,
		settler:    newInvoiceSettler(invoices, orders, rates, events, log),
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// HandleIntentUpdated mirrors a non-terminal intent change.
func (r *Reconciler) HandleIntentUpdated(ctx context.Context, e *domain.PaymentIntentUpdated) error {
	status := e.Intent.Status
	if status == domain.IntentSucceeded {
		// Only HandleIntentSucceeded, which credits the funds, may set succeeded.
		status = domain.IntentProcessing
	}
	return r.applyStatus(ctx, e.Intent, status, "")
}

// HandleIntentFailed marks the intent failed unless it already succeeded.
func (r *Reconciler) HandleIntentFailed(ctx context.Context, e *domain.PaymentIntentFailed) error {
	return r.applyStatus(ctx, e.Intent, domain.IntentFailed, e.FailureMessage)
}

func (r *Reconciler) applyStatus(ctx context.Context, snap domain.IntentSnapshot, status domain.PaymentIntentStatus, failure string) error {
	dbTx, err := r.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if _, err := r.lockInvoice(ctx, dbTx, snap); err != nil {
		return err
	}
	intent, err := r.upsertIntent(ctx, dbTx, snap)
	if err != nil {
		return err
	}

	if !intent.CanTransitionTo(status) || (intent.Status == status && intent.Amount.Equal(snap.Amount)) {
		r.log.Debug().
			Str("intent_id", intent.ID).
			Str("status", string(intent.Status)).
			Str("requested", string(status)).
			Msg("intent update skipped")
		return commitTx(ctx, dbTx)
	}

	intent.Status = status
	intent.Amount = snap.Amount
	if snap.ClientSecret != nil {
		intent.ClientSecret = snap.ClientSecret
	}
	if snap.ReceiptEmail != nil {
		intent.ReceiptEmail = snap.ReceiptEmail
	}
	intent.UpdatedAt = r.now()
	if err := r.intents.Update(ctx, dbTx, intent); err != nil {
		return dbError(err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	ev := r.log.Info()
	if status == domain.IntentFailed {
		ev = r.log.Warn().Str("failure", failure)
	}
	ev.Str("intent_id", intent.ID).
		Str("invoice_id", intent.InvoiceID.String()).
		Str("status", string(status)).
		Msg("payment intent updated")
	return nil
}

// HandleIntentSucceeded credits the newly captured part of an intent to its
// invoice. The ledger entry is keyed by the cumulative amount received, so a
// replayed or stale snapshot never credits twice.
func (r *Reconciler) HandleIntentSucceeded(ctx context.Context, e *domain.PaymentIntentSucceeded) error {
	snap := e.Intent

	dbTx, err := r.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	// Lock order: invoice, then intent.
	inv, err := r.lockInvoice(ctx, dbTx, snap)
	if err != nil {
		return err
	}
	intent, err := r.upsertIntent(ctx, dbTx, snap)
	if err != nil {
		return err
	}

	if snap.AmountReceived.Cmp(intent.AmountReceived) <= 0 {
		r.log.Debug().
			Str("intent_id", intent.ID).
			Str("amount_received", intent.AmountReceived.String()).
			Str("snapshot_amount_received", snap.AmountReceived.String()).
			Msg("intent success already applied")
		return commitTx(ctx, dbTx)
	}

	delta := snap.AmountReceived.Sub(intent.AmountReceived)
	sourceRef := fmt.Sprintf("pi:%s:%s", intent.ID, snap.AmountReceived)
	if _, err := r.settler.credit(ctx, dbTx, inv, sourceRef, delta, r.occurredAt(snap.OccurredAt)); err != nil {
		return err
	}

	intent.AmountReceived = snap.AmountReceived
	intent.Amount = snap.Amount
	intent.Status = domain.IntentSucceeded
	intent.UpdatedAt = r.now()
	if err := r.intents.Update(ctx, dbTx, intent); err != nil {
		return dbError(err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	r.log.Info().
		Str("intent_id", intent.ID).
		Str("invoice_id", inv.ID.String()).
		Str("delta", delta.String()).
		Str("amount_captured", inv.AmountCaptured.String()).
		Bool("paid", inv.IsPaid()).
		Msg("payment intent captured")
	return nil
}

// HandleFundsReceived credits a direct transfer to the invoice it targets,
// resolved either by invoice id or through the invoice's linked account.
func (r *Reconciler) HandleFundsReceived(ctx context.Context, e *domain.FundsReceived) error {
	dbTx, err := r.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	var inv *domain.Invoice
	if e.InvoiceID != nil {
		inv, err = r.invoices.GetByIDForUpdate(ctx, dbTx, *e.InvoiceID)
	} else {
		inv, err = r.invoices.GetByAccountIDForUpdate(ctx, dbTx, *e.AccountID)
	}
	if err != nil {
		return dbError(err)
	}
	if inv == nil {
		return apperror.ErrNotFound("invoice")
	}
	if inv.BuyerCurrency != e.Currency {
		return apperror.Validation(fmt.Sprintf("transfer currency %s does not match invoice currency %s", e.Currency, inv.BuyerCurrency))
	}

	added, err := r.settler.credit(ctx, dbTx, inv, "tx:"+e.TransactionID, e.Amount, r.occurredAt(e.ReceivedAt))
	if err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	if added {
		r.log.Info().
			Str("transaction_id", e.TransactionID).
			Str("invoice_id", inv.ID.String()).
			Str("amount", e.Amount.String()).
			Str("amount_captured", inv.AmountCaptured.String()).
			Bool("paid", inv.IsPaid()).
			Msg("funds received")
	}
	return nil
}

func (r *Reconciler) lockInvoice(ctx context.Context, tx pgx.Tx, snap domain.IntentSnapshot) (*domain.Invoice, error) {
	inv, err := r.invoices.GetByIDForUpdate(ctx, tx, snap.InvoiceID)
	if err != nil {
		return nil, dbError(err)
	}
	if inv == nil {
		return nil, apperror.ErrNotFound("invoice")
	}
	if inv.BuyerCurrency != snap.Currency {
		return nil, apperror.Validation(fmt.Sprintf("intent currency %s does not match invoice currency %s", snap.Currency, inv.BuyerCurrency))
	}
	return inv, nil
}

// upsertIntent returns the locked local mirror of the snapshot's intent,
// creating it with nothing received when it is new.
func (r *Reconciler) upsertIntent(ctx context.Context, tx pgx.Tx, snap domain.IntentSnapshot) (*domain.PaymentIntent, error) {
	now := r.now()
	status := snap.Status
	if status == domain.IntentSucceeded {
		status = domain.IntentProcessing
	}
	fresh := &domain.PaymentIntent{
		ID:             snap.IntentID,
		InvoiceID:      snap.InvoiceID,
		Amount:         snap.Amount,
		AmountReceived: domain.ZeroAmount,
		Currency:       snap.Currency,
		ClientSecret:   snap.ClientSecret,
		ReceiptEmail:   snap.ReceiptEmail,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.intents.CreateIfAbsent(ctx, tx, fresh); err != nil {
		return nil, dbError(err)
	}

	intent, err := r.intents.GetByIDForUpdate(ctx, tx, snap.IntentID)
	if err != nil {
		return nil, dbError(err)
	}
	if intent == nil {
		return nil, apperror.ErrNotFound("payment intent")
	}
	if intent.InvoiceID != snap.InvoiceID {
		return nil, apperror.Validation(fmt.Sprintf("intent %s belongs to invoice %s", intent.ID, intent.InvoiceID))
	}
	return intent, nil
}

func (r *Reconciler) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t.UTC()
}
