package gateway

import (
	"fmt"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intentWebhook(eventType, status string, invoiceID uuid.UUID, received int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": %q,
		"created": 1700000000,
		"data": {"object": {
			"id": "pi_1", "status": %q, "amount": 1384, "amount_received": %d,
			"currency": "usd", "metadata": {"invoice_id": %q},
			"last_payment_error": {"message": "card declined"}
		}}
	}`, eventType, status, received, invoiceID))
}

func TestDecodeWebhook_IntentTypes(t *testing.T) {
	invoiceID := uuid.New()

	tests := []struct {
		eventType string
		status    string
		received  int64
		kind      domain.EventKind
	}{
		{TypeIntentCreated, "requires_payment_method", 0, domain.EventKindPaymentIntentUpdated},
		{TypeIntentProcessing, "processing", 0, domain.EventKindPaymentIntentUpdated},
		{TypeIntentRequiresAction, "requires_action", 0, domain.EventKindPaymentIntentUpdated},
		{TypeIntentCanceled, "canceled", 0, domain.EventKindPaymentIntentUpdated},
		{TypeIntentSucceeded, "succeeded", 1384, domain.EventKindPaymentIntentSucceeded},
		{TypeIntentPaymentFailed, "failed", 0, domain.EventKindPaymentIntentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			wh, err := DecodeWebhook(intentWebhook(tt.eventType, tt.status, invoiceID, tt.received))
			require.NoError(t, err)
			assert.Equal(t, "evt_1", wh.ID)
			require.NotNil(t, wh.Payload)
			assert.Equal(t, tt.kind, wh.Payload.Kind())
		})
	}
}

func TestDecodeWebhook_SucceededSnapshot(t *testing.T) {
	invoiceID := uuid.New()

	wh, err := DecodeWebhook(intentWebhook(TypeIntentSucceeded, "succeeded", invoiceID, 1384))
	require.NoError(t, err)

	p, ok := wh.Payload.(*domain.PaymentIntentSucceeded)
	require.True(t, ok)
	assert.Equal(t, "pi_1", p.Intent.IntentID)
	assert.Equal(t, invoiceID, p.Intent.InvoiceID)
	assert.Equal(t, "1384", p.Intent.AmountReceived.String())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), p.Intent.OccurredAt)
}

func TestDecodeWebhook_FailureMessage(t *testing.T) {
	wh, err := DecodeWebhook(intentWebhook(TypeIntentPaymentFailed, "failed", uuid.New(), 0))
	require.NoError(t, err)

	p, ok := wh.Payload.(*domain.PaymentIntentFailed)
	require.True(t, ok)
	assert.Equal(t, "card declined", p.FailureMessage)
}

func TestDecodeWebhook_SucceededWithoutFunds(t *testing.T) {
	wh, err := DecodeWebhook(intentWebhook(TypeIntentSucceeded, "succeeded", uuid.New(), 0))
	require.NoError(t, err)
	assert.Equal(t, domain.EventKindPaymentIntentSucceeded, wh.Kind)
	assert.Nil(t, wh.Payload)
	assert.Error(t, wh.Invalid)
}

func TestDecodeWebhook_TransferReceived(t *testing.T) {
	accountID := uuid.New()
	body := fmt.Sprintf(`{"id":"evt_2","type":"transfer.received","created":1700000100,
		"data":{"object":{"id":"tx_9","amount":"1000000000000000000","currency":"ETH","account_id":%q}}}`, accountID)

	wh, err := DecodeWebhook([]byte(body))
	require.NoError(t, err)

	p, ok := wh.Payload.(*domain.FundsReceived)
	require.True(t, ok)
	assert.Equal(t, "tx_9", p.TransactionID)
	assert.Equal(t, domain.CurrencyETH, p.Currency)
	assert.Equal(t, "1000000000000000000", p.Amount.String())
	require.NotNil(t, p.AccountID)
	assert.Equal(t, accountID, *p.AccountID)
	assert.Nil(t, p.InvoiceID)
}

func TestDecodeWebhook_PayoutPaid(t *testing.T) {
	payoutID := uuid.New()
	body := fmt.Sprintf(`{"id":"evt_3","type":"payout.paid","created":1700000200,
		"data":{"object":{"id":"po_1","arrival_date":1700000300,"metadata":{"payout_id":%q}}}}`, payoutID)

	wh, err := DecodeWebhook([]byte(body))
	require.NoError(t, err)

	p, ok := wh.Payload.(*domain.PayoutTransferConfirmed)
	require.True(t, ok)
	assert.Equal(t, payoutID, p.PayoutID)
	assert.Equal(t, "po_1", p.TransferRef)
	assert.Equal(t, time.Unix(1700000300, 0).UTC(), p.ConfirmedAt)
}

func TestDecodeWebhook_UnknownTypeIgnored(t *testing.T) {
	wh, err := DecodeWebhook([]byte(`{"id":"evt_4","type":"customer.created","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, "customer.created", wh.Type)
	assert.Empty(t, wh.Kind)
	assert.Nil(t, wh.Payload)
	assert.NoError(t, wh.Invalid)
}

func TestDecodeWebhook_NoEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing id", `{"type":"payment_intent.succeeded"}`},
		{"missing type", `{"id":"evt_5"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWebhook([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeWebhook_InvalidObject(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind domain.EventKind
	}{
		{"missing object", `{"id":"e","type":"payment_intent.succeeded"}`, domain.EventKindPaymentIntentSucceeded},
		{"missing invoice metadata", `{"id":"e","type":"payment_intent.created","data":{"object":{"id":"pi","status":"processing","currency":"usd"}}}`, domain.EventKindPaymentIntentUpdated},
		{"unknown currency", `{"id":"e","type":"transfer.received","data":{"object":{"id":"tx","amount":1,"currency":"doge","account_id":"` + uuid.NewString() + `"}}}`, domain.EventKindFundsReceived},
		{"transfer without target", `{"id":"e","type":"transfer.received","data":{"object":{"id":"tx","amount":1,"currency":"usd"}}}`, domain.EventKindFundsReceived},
		{"payout without id", `{"id":"e","type":"payout.paid","data":{"object":{"id":"po"}}}`, domain.EventKindPayoutTransferConfirmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh, err := DecodeWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, "e", wh.ID)
			assert.Equal(t, tt.kind, wh.Kind)
			assert.Nil(t, wh.Payload)
			assert.Error(t, wh.Invalid)
		})
	}
}
