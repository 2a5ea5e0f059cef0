package dto

import (
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/google/uuid"
)

// --- Invoice DTOs ---

// CreateOrderRequest is one seller's part of a new invoice.
// Amounts are integer strings of the seller currency's minimal unit.
type CreateOrderRequest struct {
	SellerID       uuid.UUID `json:"seller_id" binding:"required"`
	SellerCurrency string    `json:"seller_currency" binding:"required,currency"`
	TotalAmount    string    `json:"total_amount" binding:"required,amount"`
	CashbackAmount string    `json:"cashback_amount" binding:"omitempty,amount"`
}

// CreateInvoiceRequest is the body of POST /api/v1/invoices.
type CreateInvoiceRequest struct {
	BuyerCurrency string               `json:"buyer_currency" binding:"required,currency"`
	Orders        []CreateOrderRequest `json:"orders" binding:"required,min=1,max=50,dive"`
}

// ToPort converts the validated request into the service input.
func (r *CreateInvoiceRequest) ToPort() (ports.CreateInvoiceRequest, error) {
	buyer, err := domain.ParseCurrency(r.BuyerCurrency)
	if err != nil {
		return ports.CreateInvoiceRequest{}, err
	}
	out := ports.CreateInvoiceRequest{
		BuyerCurrency: buyer,
		Orders:        make([]ports.CreateOrderRequest, 0, len(r.Orders)),
	}
	for _, o := range r.Orders {
		seller, err := domain.ParseCurrency(o.SellerCurrency)
		if err != nil {
			return ports.CreateInvoiceRequest{}, err
		}
		total, err := domain.ParseAmount(o.TotalAmount)
		if err != nil {
			return ports.CreateInvoiceRequest{}, err
		}
		cashback := domain.ZeroAmount
		if o.CashbackAmount != "" {
			if cashback, err = domain.ParseAmount(o.CashbackAmount); err != nil {
				return ports.CreateInvoiceRequest{}, err
			}
		}
		out.Orders = append(out.Orders, ports.CreateOrderRequest{
			SellerID:       o.SellerID,
			SellerCurrency: seller,
			TotalAmount:    total,
			CashbackAmount: cashback,
		})
	}
	return out, nil
}

// --- Payment DTOs ---

// StartPaymentRequest is the optional body of POST /api/v1/invoices/:id/payments.
type StartPaymentRequest struct {
	ReceiptEmail *string `json:"receipt_email" binding:"omitempty,email,max=254"`
}

// --- Payout DTOs ---

// PayoutRequest is the body of POST /api/v1/payouts.
type PayoutRequest struct {
	SellerID      uuid.UUID   `json:"seller_id" binding:"required"`
	Currency      string      `json:"currency" binding:"required,currency"`
	OrderIDs      []uuid.UUID `json:"order_ids" binding:"omitempty,max=500"`
	TargetType    string      `json:"target_type" binding:"required,oneof=bank wallet"`
	WalletAddress *string     `json:"wallet_address" binding:"required_if=TargetType wallet,omitempty,safe_id,max=128"`
	BlockchainFee string      `json:"blockchain_fee" binding:"omitempty,amount"`
}

// ToEvent converts the validated request into a PayoutRequested payload.
func (r *PayoutRequest) ToEvent(payoutID uuid.UUID) (*domain.PayoutRequested, error) {
	currency, err := domain.ParseCurrency(r.Currency)
	if err != nil {
		return nil, err
	}
	fee := domain.ZeroAmount
	if r.BlockchainFee != "" {
		if fee, err = domain.ParseAmount(r.BlockchainFee); err != nil {
			return nil, err
		}
	}
	return &domain.PayoutRequested{
		PayoutID:      payoutID,
		SellerID:      r.SellerID,
		Currency:      currency,
		OrderIDs:      r.OrderIDs,
		TargetType:    domain.PayoutTargetType(r.TargetType),
		WalletAddress: r.WalletAddress,
		BlockchainFee: fee,
	}, nil
}

// ConfirmPayoutRequest is the body of POST /api/v1/payouts/:id/confirm.
type ConfirmPayoutRequest struct {
	TransferRef string `json:"transfer_ref" binding:"required,safe_id,max=128"`
}

// PreviewPayoutQuery is the query of GET /api/v1/payouts/preview.
type PreviewPayoutQuery struct {
	SellerID string `form:"seller_id" binding:"required,uuid"`
	Currency string `form:"currency" binding:"required,currency"`
}

// ListDeadQuery is the query of GET /api/v1/events/dead.
type ListDeadQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// --- Responses ---

// AcceptedResponse acknowledges a command queued as an event.
type AcceptedResponse struct {
	EventID    int64  `json:"event_id"`
	ResourceID string `json:"resource_id,omitempty"`
}

// WebhookResponse acknowledges a gateway webhook.
type WebhookResponse struct {
	EventID  int64 `json:"event_id,omitempty"`
	Received bool  `json:"received"`
}
