package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
)

// Gateway webhook event types the engine understands.
const (
	TypeIntentCreated        = "payment_intent.created"
	TypeIntentProcessing     = "payment_intent.processing"
	TypeIntentRequiresAction = "payment_intent.requires_action"
	TypeIntentCanceled       = "payment_intent.canceled"
	TypeIntentSucceeded      = "payment_intent.succeeded"
	TypeIntentPaymentFailed  = "payment_intent.payment_failed"
	TypeTransferReceived     = "transfer.received"
	TypePayoutPaid           = "payout.paid"
)

// Webhook is a decoded gateway notification. Kind and Payload are empty for
// event types the engine does not consume; such webhooks are acknowledged and
// dropped. Invalid is set, and Payload nil, when a known type carries an
// object that does not decode or validate.
type Webhook struct {
	ID      string
	Type    string
	Kind    domain.EventKind
	Payload domain.EventPayload
	Invalid error
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type transferObject struct {
	ID        string            `json:"id"`
	Amount    domain.Amount     `json:"amount"`
	Currency  string            `json:"currency"`
	AccountID string            `json:"account_id"`
	Metadata  map[string]string `json:"metadata"`
}

type payoutObject struct {
	ID          string            `json:"id"`
	ArrivalDate int64             `json:"arrival_date"`
	Metadata    map[string]string `json:"metadata"`
}

type failedIntentObject struct {
	intentObject
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// webhookKinds maps the consumed gateway types to event kinds.
var webhookKinds = map[string]domain.EventKind{
	TypeIntentCreated:        domain.EventKindPaymentIntentUpdated,
	TypeIntentProcessing:     domain.EventKindPaymentIntentUpdated,
	TypeIntentRequiresAction: domain.EventKindPaymentIntentUpdated,
	TypeIntentCanceled:       domain.EventKindPaymentIntentUpdated,
	TypeIntentSucceeded:      domain.EventKindPaymentIntentSucceeded,
	TypeIntentPaymentFailed:  domain.EventKindPaymentIntentFailed,
	TypeTransferReceived:     domain.EventKindFundsReceived,
	TypePayoutPaid:           domain.EventKindPayoutTransferConfirmed,
}

// DecodeWebhook maps a raw gateway webhook body to an event payload.
// It fails only when the body has no usable envelope; a bad object of a
// known type is reported through Webhook.Invalid.
func DecodeWebhook(body []byte) (*Webhook, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("webhook id and type are required")
	}

	wh := &Webhook{ID: env.ID, Type: env.Type}
	kind, ok := webhookKinds[env.Type]
	if !ok {
		return wh, nil
	}
	wh.Kind = kind

	payload, err := decodeObject(env.Type, env.Data.Object, time.Unix(env.Created, 0).UTC())
	if err == nil {
		err = payload.Validate()
	}
	if err != nil {
		wh.Invalid = fmt.Errorf("webhook %s (%s): %w", env.ID, env.Type, err)
		return wh, nil
	}
	wh.Payload = payload
	return wh, nil
}

func decodeObject(eventType string, raw json.RawMessage, occurredAt time.Time) (domain.EventPayload, error) {
	switch eventType {
	case TypeIntentSucceeded:
		snap, err := decodeIntent(raw, occurredAt)
		if err != nil {
			return nil, err
		}
		return &domain.PaymentIntentSucceeded{Intent: *snap}, nil
	case TypeIntentPaymentFailed:
		return decodeFailedIntent(raw, occurredAt)
	case TypeTransferReceived:
		return decodeTransfer(raw, occurredAt)
	case TypePayoutPaid:
		return decodePayout(raw, occurredAt)
	default:
		snap, err := decodeIntent(raw, occurredAt)
		if err != nil {
			return nil, err
		}
		return &domain.PaymentIntentUpdated{Intent: *snap}, nil
	}
}

func decodeIntent(raw json.RawMessage, occurredAt time.Time) (*domain.IntentSnapshot, error) {
	var obj intentObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	return obj.snapshot(occurredAt)
}

func decodeFailedIntent(raw json.RawMessage, occurredAt time.Time) (domain.EventPayload, error) {
	var obj failedIntentObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	snap, err := obj.snapshot(occurredAt)
	if err != nil {
		return nil, err
	}
	p := &domain.PaymentIntentFailed{Intent: *snap}
	if obj.LastPaymentError != nil {
		p.FailureMessage = obj.LastPaymentError.Message
	}
	return p, nil
}

func decodeTransfer(raw json.RawMessage, occurredAt time.Time) (domain.EventPayload, error) {
	var obj transferObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	currency, err := domain.ParseCurrency(obj.Currency)
	if err != nil {
		return nil, err
	}
	p := &domain.FundsReceived{
		TransactionID: obj.ID,
		Amount:        obj.Amount,
		Currency:      currency,
		ReceivedAt:    occurredAt,
	}
	if s := obj.Metadata["invoice_id"]; s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("metadata.invoice_id: %w", err)
		}
		p.InvoiceID = &id
	}
	if obj.AccountID != "" {
		id, err := uuid.Parse(obj.AccountID)
		if err != nil {
			return nil, fmt.Errorf("account_id: %w", err)
		}
		p.AccountID = &id
	}
	return p, nil
}

func decodePayout(raw json.RawMessage, occurredAt time.Time) (domain.EventPayload, error) {
	var obj payoutObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode payout: %w", err)
	}
	payoutID, err := uuid.Parse(obj.Metadata["payout_id"])
	if err != nil {
		return nil, fmt.Errorf("metadata.payout_id: %w", err)
	}
	confirmedAt := occurredAt
	if obj.ArrivalDate > 0 {
		confirmedAt = time.Unix(obj.ArrivalDate, 0).UTC()
	}
	return &domain.PayoutTransferConfirmed{
		PayoutID:    payoutID,
		TransferRef: obj.ID,
		ConfirmedAt: confirmedAt,
	}, nil
}
