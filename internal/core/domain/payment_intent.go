package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentIntentStatus mirrors the gateway's intent lifecycle.
type PaymentIntentStatus string

const (
	IntentRequiresAction       PaymentIntentStatus = "requires_action"
	IntentRequiresConfirmation PaymentIntentStatus = "requires_confirmation"
	IntentProcessing           PaymentIntentStatus = "processing"
	IntentSucceeded            PaymentIntentStatus = "succeeded"
	IntentCanceled             PaymentIntentStatus = "canceled"
	IntentFailed               PaymentIntentStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s PaymentIntentStatus) IsValid() bool {
	switch s {
	case IntentRequiresAction, IntentRequiresConfirmation, IntentProcessing,
		IntentSucceeded, IntentCanceled, IntentFailed:
		return true
	}
	return false
}

// PaymentIntent is the local mirror of a gateway payment intent, keyed by
// the gateway-assigned ID. Many intents may target one invoice.
type PaymentIntent struct {
	ID             string              `json:"id"`
	InvoiceID      uuid.UUID           `json:"invoice_id"`
	Amount         Amount              `json:"amount"`
	AmountReceived Amount              `json:"amount_received"`
	Currency       Currency            `json:"currency"`
	ClientSecret   *string             `json:"-"`
	ReceiptEmail   *string             `json:"receipt_email,omitempty"`
	Status         PaymentIntentStatus `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// CanTransitionTo reports whether the intent may move to next.
// A succeeded intent is final.
func (p *PaymentIntent) CanTransitionTo(next PaymentIntentStatus) bool {
	if p.Status == IntentSucceeded {
		return next == IntentSucceeded
	}
	return next.IsValid()
}
