package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPayoutNegative is returned when fees exceed the gross amount.
	ErrPayoutNegative = errors.New("payout net amount is negative")
	// ErrPayoutCompleted is returned when completing an already completed payout.
	ErrPayoutCompleted = errors.New("payout already completed")
)

// PayoutTargetType is where the payout is sent.
type PayoutTargetType string

const (
	PayoutTargetBank   PayoutTargetType = "bank"
	PayoutTargetWallet PayoutTargetType = "wallet"
)

// IsValid reports whether t is a known target type.
func (t PayoutTargetType) IsValid() bool {
	return t == PayoutTargetBank || t == PayoutTargetWallet
}

// Payout batches fee-settled orders of one seller and currency into a single
// transfer. It is initiated on creation and completed once the transfer is
// confirmed externally.
type Payout struct {
	ID            uuid.UUID        `json:"id"`
	SellerID      uuid.UUID        `json:"seller_id"`
	Currency      Currency         `json:"currency"`
	GrossAmount   Amount           `json:"gross_amount"`
	FeeAmount     Amount           `json:"fee_amount"`
	BlockchainFee Amount           `json:"blockchain_fee"`
	NetAmount     Amount           `json:"net_amount"`
	TargetType    PayoutTargetType `json:"target_type"`
	WalletAddress *string          `json:"wallet_address,omitempty"`
	InitiatedAt   time.Time        `json:"initiated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	TransferRef   *string          `json:"transfer_ref,omitempty"`
	OrderIDs      []uuid.UUID      `json:"order_ids,omitempty"`
}

// IsCompleted returns true once the transfer was confirmed.
func (p *Payout) IsCompleted() bool {
	return p.CompletedAt != nil
}

// Complete marks the payout as transferred.
func (p *Payout) Complete(at time.Time, transferRef string) error {
	if p.IsCompleted() {
		return ErrPayoutCompleted
	}
	p.CompletedAt = &at
	if transferRef != "" {
		p.TransferRef = &transferRef
	}
	return nil
}

// OrderPayout links an order to the payout that settles it.
// An order has at most one OrderPayout.
type OrderPayout struct {
	OrderID   uuid.UUID `json:"order_id"`
	PayoutID  uuid.UUID `json:"payout_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PayoutLine is one order's contribution to a payout, in payout currency.
type PayoutLine struct {
	OrderID uuid.UUID `json:"order_id"`
	Gross   Amount    `json:"gross"`
	Fee     Amount    `json:"fee"`
}

// PayoutTotals is the computed money of a payout.
type PayoutTotals struct {
	Gross         Amount       `json:"gross_amount"`
	Fees          Amount       `json:"fee_amount"`
	BlockchainFee Amount       `json:"blockchain_fee"`
	Net           Amount       `json:"net_amount"`
	Lines         []PayoutLine `json:"lines"`
}

// ComputePayoutTotals returns net = gross - fees - blockchainFee.
func ComputePayoutTotals(lines []PayoutLine, blockchainFee Amount) (PayoutTotals, error) {
	totals := PayoutTotals{BlockchainFee: blockchainFee, Lines: lines}
	for _, l := range lines {
		totals.Gross = totals.Gross.Add(l.Gross)
		totals.Fees = totals.Fees.Add(l.Fee)
	}
	totals.Net = totals.Gross.Sub(totals.Fees).Sub(blockchainFee)
	if totals.Net.IsNegative() {
		return totals, ErrPayoutNegative
	}
	return totals, nil
}
