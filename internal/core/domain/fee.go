package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeStatus is the charge state of a platform fee.
type FeeStatus string

const (
	FeePending FeeStatus = "pending"
	FeeCharged FeeStatus = "charged"
	FeeFailed  FeeStatus = "failed"
)

// Fee is the platform fee owed on one order. There is one fee per order.
type Fee struct {
	ID        uuid.UUID   `json:"id"`
	OrderID   uuid.UUID   `json:"order_id"`
	Amount    Amount      `json:"amount"`
	Currency  Currency    `json:"currency"`
	Status    FeeStatus   `json:"status"`
	ChargeID  *string     `json:"charge_id,omitempty"`
	Metadata  FeeMetadata `json:"metadata"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// FeeMetadata is stored as JSONB next to the fee.
type FeeMetadata struct {
	PlatformRate  string `json:"platform_rate,omitempty"`
	ExchangeRate  string `json:"exchange_rate,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}

// NeedsCharge reports whether the fee still has to be charged at the gateway.
func (f *Fee) NeedsCharge() bool {
	return f.Status == FeePending || f.Status == FeeFailed
}

// IdempotencyKey is the gateway idempotency key for charging this fee.
// It is derived from the order so a re-driven charge is never doubled.
func (f *Fee) IdempotencyKey() string {
	return "fee:" + f.OrderID.String()
}

// ComputeFee applies the platform rate to an order's buyer-currency price,
// rounding up to a whole minimal unit.
func ComputeFee(buyerPrice Amount, platformRate decimal.Decimal) Amount {
	return buyerPrice.MulCeil(platformRate)
}
