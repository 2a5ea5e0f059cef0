package service

import (
	"context"
	"fmt"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaymentServiceImpl implements ports.PaymentService. It talks to the gateway
// and feeds every intent snapshot it learns about into the event store; the
// reconciler applies them.
type PaymentServiceImpl struct {
	invoices ports.InvoiceRepository
	settler  *invoiceSettler
	gateway  ports.PaymentGateway
	events   ports.EventStore
	log      zerolog.Logger
}

// NewPaymentService creates a new PaymentServiceImpl.
func NewPaymentService(
	invoices ports.InvoiceRepository,
	orders ports.OrderRepository,
	rates ports.ExchangeRateRepository,
	gateway ports.PaymentGateway,
	events ports.EventStore,
	log zerolog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		invoices: invoices,
		settler:  newInvoiceSettler(invoices, orders, rates, nil, log),
		gateway:  gateway,
		events:   events,
		log:      log,
	}
}

// StartPayment opens a gateway intent for the outstanding amount of an invoice.
// The idempotency key includes the captured total, so retries before any new
// funds arrive reuse the same intent.
func (s *PaymentServiceImpl) StartPayment(ctx context.Context, invoiceID uuid.UUID, receiptEmail *string) (*ports.StartPaymentResult, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, dbError(err)
	}
	if inv == nil {
		return nil, apperror.ErrNotFound("invoice")
	}
	if inv.IsPaid() {
		return nil, apperror.ErrConflict("invoice already paid")
	}

	price, err := s.settler.price(ctx, inv)
	if err != nil {
		return nil, err
	}
	if price.HasMissingRates {
		return nil, apperror.ErrConflict("invoice has orders without a locked exchange rate")
	}
	outstanding := price.Outstanding()
	if outstanding.IsZero() {
		return nil, apperror.ErrConflict("invoice is fully captured")
	}

	snap, err := s.gateway.CreateIntent(ctx, ports.CreateIntentRequest{
		InvoiceID:      inv.ID,
		Amount:         outstanding,
		Currency:       inv.BuyerCurrency,
		ReceiptEmail:   receiptEmail,
		IdempotencyKey: fmt.Sprintf("invoice:%s:%s", inv.ID, inv.AmountCaptured),
	})
	if err != nil {
		return nil, err
	}

	eventID, err := s.record(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", inv.ID.String()).
		Str("intent_id", snap.IntentID).
		Str("amount", outstanding.String()).
		Msg("payment started")

	result := &ports.StartPaymentResult{
		IntentID: snap.IntentID,
		Amount:   outstanding,
		Currency: inv.BuyerCurrency,
		EventID:  eventID,
	}
	if snap.ClientSecret != nil {
		result.ClientSecret = *snap.ClientSecret
	}
	return result, nil
}

// ConfirmPayment confirms an intent at the gateway.
func (s *PaymentServiceImpl) ConfirmPayment(ctx context.Context, intentID string) (*domain.IntentSnapshot, error) {
	snap, err := s.gateway.ConfirmIntent(ctx, intentID, "confirm:"+intentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.record(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RefreshPayment pulls the current intent state from the gateway. It recovers
// from missed webhooks.
func (s *PaymentServiceImpl) RefreshPayment(ctx context.Context, intentID string) (*domain.IntentSnapshot, error) {
	snap, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.record(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// record appends the event matching the snapshot. The external id makes
// identical snapshots collapse into one event.
func (s *PaymentServiceImpl) record(ctx context.Context, snap *domain.IntentSnapshot) (int64, error) {
	externalID := fmt.Sprintf("intent:%s:%s:%s", snap.IntentID, snap.Status, snap.AmountReceived)
	return s.events.Append(ctx, payloadForSnapshot(snap), externalID)
}

func payloadForSnapshot(snap *domain.IntentSnapshot) domain.EventPayload {
	switch {
	case snap.Status == domain.IntentSucceeded && snap.AmountReceived.IsPositive():
		return &domain.PaymentIntentSucceeded{Intent: *snap}
	case snap.Status == domain.IntentFailed:
		return &domain.PaymentIntentFailed{Intent: *snap}
	default:
		return &domain.PaymentIntentUpdated{Intent: *snap}
	}
}
