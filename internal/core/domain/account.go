package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a currency-denominated account that backs invoices.
// Pooled accounts are reused across invoices once their invoice is paid;
// dedicated accounts belong to a single seller. Currency never changes.
type Account struct {
	ID            uuid.UUID `json:"id"`
	Currency      Currency  `json:"currency"`
	IsPooled      bool      `json:"is_pooled"`
	WalletAddress *string   `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewPooledAccount creates a pooled account for currency.
func NewPooledAccount(currency Currency, now time.Time) *Account {
	return &Account{
		ID:        uuid.New(),
		Currency:  currency,
		IsPooled:  true,
		CreatedAt: now,
	}
}

// AccountDrain records the sweep of a pooled account into the main account
// of its currency, made before the account is unlinked from a paid invoice.
type AccountDrain struct {
	ID         uuid.UUID `json:"id"`
	InvoiceID  uuid.UUID `json:"invoice_id"`
	AccountID  uuid.UUID `json:"account_id"`
	TransferID string    `json:"transfer_id"`
	Amount     Amount    `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}

// DrainIdempotencyKey keys the drain of the account held by an invoice, so a
// re-driven drain never moves funds twice.
func DrainIdempotencyKey(invoiceID uuid.UUID) string {
	return "drain:" + invoiceID.String()
}
