package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the processing state of a stored event.
type EventStatus string

const (
	EventNew        EventStatus = "new"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
	EventDead       EventStatus = "dead"
)

// IsTerminal returns true for states automatic processing never leaves.
func (s EventStatus) IsTerminal() bool {
	return s == EventDone || s == EventDead
}

// EventKind tags the payload variant.
type EventKind string

const (
	EventKindNoop                    EventKind = "noop"
	EventKindPaymentIntentUpdated    EventKind = "payment_intent.updated"
	EventKindPaymentIntentSucceeded  EventKind = "payment_intent.succeeded"
	EventKindPaymentIntentFailed     EventKind = "payment_intent.payment_failed"
	EventKindFundsReceived           EventKind = "funds.received"
	EventKindRateLockRequested       EventKind = "order.rate_lock_requested"
	EventKindInvoicePaid             EventKind = "invoice.paid"
	EventKindPayoutRequested         EventKind = "payout.requested"
	EventKindPayoutTransferConfirmed EventKind = "payout.transfer_confirmed"
)

// Event is an entry of the durable inbox. Raw holds the stored JSON payload;
// Payload is the decoded variant, filled in by the event store.
type Event struct {
	ID              int64           `json:"id"`
	Kind            EventKind       `json:"kind"`
	ExternalID      *string         `json:"external_id,omitempty"`
	Raw             json.RawMessage `json:"payload"`
	Payload         EventPayload    `json:"-"`
	Status          EventStatus     `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       *string         `json:"last_error,omitempty"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StatusUpdatedAt time.Time       `json:"status_updated_at"`
}

// NewEvent encodes payload into a fresh event in status new.
func NewEvent(payload EventPayload, externalID string, now time.Time) (*Event, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}
	e := &Event{
		Kind:            payload.Kind(),
		Raw:             raw,
		Payload:         payload,
		Status:          EventNew,
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}
	if externalID != "" {
		e.ExternalID = &externalID
	}
	return e, nil
}

// EventPayload is the closed set of event variants.
type EventPayload interface {
	Kind() EventKind
	Validate() error
	isEventPayload()
}

// DecodePayload decodes raw JSON into the variant named by kind.
// Unknown JSON fields are ignored; unknown kinds and invalid payloads are errors.
func DecodePayload(kind EventKind, raw []byte) (EventPayload, error) {
	var p EventPayload
	switch kind {
	case EventKindNoop:
		p = &Noop{}
	case EventKindPaymentIntentUpdated:
		p = &PaymentIntentUpdated{}
	case EventKindPaymentIntentSucceeded:
		p = &PaymentIntentSucceeded{}
	case EventKindPaymentIntentFailed:
		p = &PaymentIntentFailed{}
	case EventKindFundsReceived:
		p = &FundsReceived{}
	case EventKindRateLockRequested:
		p = &RateLockRequested{}
	case EventKindInvoicePaid:
		p = &InvoicePaid{}
	case EventKindPayoutRequested:
		p = &PayoutRequested{}
	case EventKindPayoutTransferConfirmed:
		p = &PayoutTransferConfirmed{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return p, nil
}

// Noop carries nothing; useful for probing the pipeline.
type Noop struct{}

func (*Noop) Kind() EventKind { return EventKindNoop }
func (*Noop) Validate() error { return nil }
func (*Noop) isEventPayload() {}

// IntentSnapshot is the gateway's view of a payment intent at OccurredAt.
type IntentSnapshot struct {
	IntentID       string              `json:"intent_id"`
	InvoiceID      uuid.UUID           `json:"invoice_id"`
	Amount         Amount              `json:"amount"`
	AmountReceived Amount              `json:"amount_received"`
	Currency       Currency            `json:"currency"`
	Status         PaymentIntentStatus `json:"status"`
	ClientSecret   *string             `json:"client_secret,omitempty"`
	ReceiptEmail   *string             `json:"receipt_email,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

func (s IntentSnapshot) validate() error {
	switch {
	case s.IntentID == "":
		return errors.New("intent_id is required")
	case s.InvoiceID == uuid.Nil:
		return errors.New("invoice_id is required")
	case !s.Currency.IsValid():
		return fmt.Errorf("unknown currency %q", s.Currency)
	case !s.Status.IsValid():
		return fmt.Errorf("unknown intent status %q", s.Status)
	case s.Amount.IsNegative() || s.AmountReceived.IsNegative():
		return errors.New("amounts must not be negative")
	}
	return nil
}

// PaymentIntentUpdated reports a non-terminal lifecycle change of an intent.
type PaymentIntentUpdated struct {
	Intent IntentSnapshot `json:"intent"`
}

func (*PaymentIntentUpdated) Kind() EventKind   { return EventKindPaymentIntentUpdated }
func (p *PaymentIntentUpdated) Validate() error { return p.Intent.validate() }
func (*PaymentIntentUpdated) isEventPayload()   {}

// PaymentIntentSucceeded reports captured funds on an intent.
type PaymentIntentSucceeded struct {
	Intent IntentSnapshot `json:"intent"`
}

func (*PaymentIntentSucceeded) Kind() EventKind { return EventKindPaymentIntentSucceeded }
func (p *PaymentIntentSucceeded) Validate() error {
	if err := p.Intent.validate(); err != nil {
		return err
	}
	if !p.Intent.AmountReceived.IsPositive() {
		return errors.New("amount_received must be positive")
	}
	return nil
}
func (*PaymentIntentSucceeded) isEventPayload() {}

// PaymentIntentFailed reports a failed payment attempt.
type PaymentIntentFailed struct {
	Intent         IntentSnapshot `json:"intent"`
	FailureMessage string         `json:"failure_message,omitempty"`
}

func (*PaymentIntentFailed) Kind() EventKind   { return EventKindPaymentIntentFailed }
func (p *PaymentIntentFailed) Validate() error { return p.Intent.validate() }
func (*PaymentIntentFailed) isEventPayload()   {}

// FundsReceived reports a direct transfer into an invoice's account.
// The invoice is identified either directly or through its linked account.
type FundsReceived struct {
	TransactionID string     `json:"transaction_id"`
	InvoiceID     *uuid.UUID `json:"invoice_id,omitempty"`
	AccountID     *uuid.UUID `json:"account_id,omitempty"`
	Amount        Amount     `json:"amount"`
	Currency      Currency   `json:"currency"`
	ReceivedAt    time.Time  `json:"received_at"`
}

func (*FundsReceived) Kind() EventKind { return EventKindFundsReceived }
func (p *FundsReceived) Validate() error {
	switch {
	case p.TransactionID == "":
		return errors.New("transaction_id is required")
	case p.InvoiceID == nil && p.AccountID == nil:
		return errors.New("invoice_id or account_id is required")
	case !p.Currency.IsValid():
		return fmt.Errorf("unknown currency %q", p.Currency)
	case !p.Amount.IsPositive():
		return errors.New("amount must be positive")
	}
	return nil
}
func (*FundsReceived) isEventPayload() {}

// RateLockRequested asks for (another) exchange-rate lock attempt for an order.
type RateLockRequested struct {
	OrderID uuid.UUID `json:"order_id"`
}

func (*RateLockRequested) Kind() EventKind { return EventKindRateLockRequested }
func (p *RateLockRequested) Validate() error {
	if p.OrderID == uuid.Nil {
		return errors.New("order_id is required")
	}
	return nil
}
func (*RateLockRequested) isEventPayload() {}

// InvoicePaid is emitted inside the paid transition and drives the fee ledger.
type InvoicePaid struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	PaidAt    time.Time `json:"paid_at"`
}

func (*InvoicePaid) Kind() EventKind { return EventKindInvoicePaid }
func (p *InvoicePaid) Validate() error {
	if p.InvoiceID == uuid.Nil {
		return errors.New("invoice_id is required")
	}
	return nil
}
func (*InvoicePaid) isEventPayload() {}

// PayoutRequested asks to aggregate a seller's eligible orders into a payout
// with a caller-chosen ID. OrderIDs restricts the batch when set.
type PayoutRequested struct {
	PayoutID      uuid.UUID        `json:"payout_id"`
	SellerID      uuid.UUID        `json:"seller_id"`
	Currency      Currency         `json:"currency"`
	OrderIDs      []uuid.UUID      `json:"order_ids,omitempty"`
	TargetType    PayoutTargetType `json:"target_type"`
	WalletAddress *string          `json:"wallet_address,omitempty"`
	BlockchainFee Amount           `json:"blockchain_fee"`
}

func (*PayoutRequested) Kind() EventKind { return EventKindPayoutRequested }
func (p *PayoutRequested) Validate() error {
	switch {
	case p.PayoutID == uuid.Nil:
		return errors.New("payout_id is required")
	case p.SellerID == uuid.Nil:
		return errors.New("seller_id is required")
	case !p.Currency.IsValid():
		return fmt.Errorf("unknown currency %q", p.Currency)
	case !p.TargetType.IsValid():
		return fmt.Errorf("unknown target type %q", p.TargetType)
	case p.TargetType == PayoutTargetWallet && (p.WalletAddress == nil || *p.WalletAddress == ""):
		return errors.New("wallet_address is required for wallet payouts")
	case p.BlockchainFee.IsNegative():
		return errors.New("blockchain_fee must not be negative")
	}
	return nil
}
func (*PayoutRequested) isEventPayload() {}

// PayoutTransferConfirmed reports that the external transfer for a payout landed.
type PayoutTransferConfirmed struct {
	PayoutID    uuid.UUID `json:"payout_id"`
	TransferRef string    `json:"transfer_ref"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (*PayoutTransferConfirmed) Kind() EventKind { return EventKindPayoutTransferConfirmed }
func (p *PayoutTransferConfirmed) Validate() error {
	if p.PayoutID == uuid.Nil {
		return errors.New("payout_id is required")
	}
	return nil
}
func (*PayoutTransferConfirmed) isEventPayload() {}
