package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the seller-side settlement unit. Several orders share one invoice
// (a multi-seller cart); orders are deleted with their invoice.
type Order struct {
	ID             uuid.UUID `json:"id"`
	InvoiceID      uuid.UUID `json:"invoice_id"`
	SellerID       uuid.UUID `json:"seller_id"`
	SellerCurrency Currency  `json:"seller_currency"`
	TotalAmount    Amount    `json:"total_amount"`
	CashbackAmount Amount    `json:"cashback_amount"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExchangeRateStatus is the lifecycle of an order's exchange-rate lock.
type ExchangeRateStatus string

const (
	ExchangeRatePending ExchangeRateStatus = "pending"
	ExchangeRateLocked  ExchangeRateStatus = "locked"
	ExchangeRateApplied ExchangeRateStatus = "applied"
	ExchangeRateExpired ExchangeRateStatus = "expired"
)

// OrderExchangeRate freezes the seller→buyer conversion for one order.
// Rate is expressed in buyer minimal units per seller minimal unit.
// Once locked the rate is never rewritten.
type OrderExchangeRate struct {
	ID          uuid.UUID          `json:"id"`
	OrderID     uuid.UUID          `json:"order_id"`
	ExternalRef *string            `json:"external_ref,omitempty"`
	Rate        decimal.Decimal    `json:"rate"`
	Status      ExchangeRateStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// IsUsable reports whether the rate may be used for settlement math.
func (r *OrderExchangeRate) IsUsable() bool {
	return r != nil && (r.Status == ExchangeRateLocked || r.Status == ExchangeRateApplied)
}

// ConvertPrice converts a seller-currency amount to the buyer currency, rounding up.
func (r *OrderExchangeRate) ConvertPrice(a Amount) Amount {
	return a.MulCeil(r.Rate)
}

// ConvertCashback converts a seller-currency cashback to the buyer currency, rounding down.
func (r *OrderExchangeRate) ConvertCashback(a Amount) Amount {
	return a.MulFloor(r.Rate)
}
