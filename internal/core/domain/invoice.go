package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvoiceAlreadyPaid is returned when a second paid transition is attempted.
var ErrInvoiceAlreadyPaid = errors.New("invoice already paid")

// Invoice is the buyer-side settlement unit.
// AmountCaptured always equals the sum of the invoice's AmountReceived rows.
// PaidAt is set at most once; afterwards only FinalCashbackAmount may change.
type Invoice struct {
	ID                  uuid.UUID  `json:"id"`
	AccountID           *uuid.UUID `json:"account_id,omitempty"`
	BuyerCurrency       Currency   `json:"buyer_currency"`
	AmountCaptured      Amount     `json:"amount_captured"`
	FinalAmountPaid     *Amount    `json:"final_amount_paid,omitempty"`
	FinalCashbackAmount *Amount    `json:"final_cashback_amount,omitempty"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsPaid returns true once the paid transition happened.
func (i *Invoice) IsPaid() bool {
	return i.PaidAt != nil
}

// MarkPaid performs the one-time paid transition.
func (i *Invoice) MarkPaid(at time.Time, price InvoicePrice) error {
	if i.IsPaid() {
		return ErrInvoiceAlreadyPaid
	}
	paid := price.TotalPrice
	cashback := price.TotalCashback
	i.PaidAt = &at
	i.FinalAmountPaid = &paid
	i.FinalCashbackAmount = &cashback
	return nil
}

// AddOverpayment credits funds received after the paid transition to the
// buyer's cashback.
func (i *Invoice) AddOverpayment(delta Amount) {
	current := ZeroAmount
	if i.FinalCashbackAmount != nil {
		current = *i.FinalCashbackAmount
	}
	next := current.Add(delta)
	i.FinalCashbackAmount = &next
}

// AmountReceived is one append-only ledger entry of funds captured for an
// invoice. SourceRef is the stable external key that makes inserts idempotent.
type AmountReceived struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	SourceRef string    `json:"source_ref"`
	Amount    Amount    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderPrice is an order's price expressed in the buyer currency.
// BuyerPrice and BuyerCashback are nil while the order has no usable rate.
type OrderPrice struct {
	OrderID        uuid.UUID          `json:"order_id"`
	SellerID       uuid.UUID          `json:"seller_id"`
	SellerCurrency Currency           `json:"seller_currency"`
	SellerPrice    Amount             `json:"seller_price"`
	SellerCashback Amount             `json:"seller_cashback"`
	Rate           *OrderExchangeRate `json:"exchange_rate,omitempty"`
	BuyerPrice     *Amount            `json:"buyer_price,omitempty"`
	BuyerCashback  *Amount            `json:"buyer_cashback,omitempty"`
}

// InvoicePrice is the computed view of what an invoice requires.
type InvoicePrice struct {
	InvoiceID       uuid.UUID    `json:"invoice_id"`
	BuyerCurrency   Currency     `json:"buyer_currency"`
	AmountCaptured  Amount       `json:"amount_captured"`
	TotalPrice      Amount       `json:"total_price"`
	TotalCashback   Amount       `json:"total_cashback"`
	Orders          []OrderPrice `json:"orders"`
	HasMissingRates bool         `json:"has_missing_rates"`
	PaidAt          *time.Time   `json:"paid_at,omitempty"`
}

// PriceInvoice computes buyer prices for every order under its rate.
// Paid invoices report the frozen final amounts instead of recomputing.
func PriceInvoice(inv *Invoice, orders []Order, rates map[uuid.UUID]*OrderExchangeRate) InvoicePrice {
	price := InvoicePrice{
		InvoiceID:      inv.ID,
		BuyerCurrency:  inv.BuyerCurrency,
		AmountCaptured: inv.AmountCaptured,
		Orders:         make([]OrderPrice, 0, len(orders)),
		PaidAt:         inv.PaidAt,
	}

	for _, o := range orders {
		op := OrderPrice{
			OrderID:        o.ID,
			SellerID:       o.SellerID,
			SellerCurrency: o.SellerCurrency,
			SellerPrice:    o.TotalAmount,
			SellerCashback: o.CashbackAmount,
			Rate:           rates[o.ID],
		}
		if op.Rate.IsUsable() {
			buyerPrice := op.Rate.ConvertPrice(o.TotalAmount)
			buyerCashback := op.Rate.ConvertCashback(o.CashbackAmount)
			op.BuyerPrice = &buyerPrice
			op.BuyerCashback = &buyerCashback
			price.TotalPrice = price.TotalPrice.Add(buyerPrice)
			price.TotalCashback = price.TotalCashback.Add(buyerCashback)
		} else {
			price.HasMissingRates = true
		}
		price.Orders = append(price.Orders, op)
	}

	if inv.IsPaid() && inv.FinalAmountPaid != nil {
		price.TotalPrice = *inv.FinalAmountPaid
		if inv.FinalCashbackAmount != nil {
			price.TotalCashback = *inv.FinalCashbackAmount
		}
	}

	return price
}

// IsFullyCaptured reports whether the captured total covers the price.
// An invoice with a missing rate is never fully captured.
func (p InvoicePrice) IsFullyCaptured() bool {
	return !p.HasMissingRates && len(p.Orders) > 0 && p.AmountCaptured.Cmp(p.TotalPrice) >= 0
}

// Outstanding returns how much is still required, never negative.
func (p InvoicePrice) Outstanding() Amount {
	rest := p.TotalPrice.Sub(p.AmountCaptured)
	if rest.IsNegative() {
		return ZeroAmount
	}
	return rest
}
