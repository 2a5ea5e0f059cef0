//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

package ports

import (
	"context"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Collaborator Ports ---

// PaymentGateway is the external payment provider.
// Calls must never be made while a database transaction is open.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*domain.IntentSnapshot, error)
	RetrieveIntent(ctx context.Context, intentID string) (*domain.IntentSnapshot, error)
	ConfirmIntent(ctx context.Context, intentID string, idempotencyKey string) (*domain.IntentSnapshot, error)
	ChargeFee(ctx context.Context, req ChargeFeeRequest) (*FeeCharge, error)
	DrainAccount(ctx context.Context, req DrainAccountRequest) (*AccountTransfer, error)
}

// CreateIntentRequest holds input for creating a gateway payment intent.
type CreateIntentRequest struct {
	InvoiceID      uuid.UUID
	Amount         domain.Amount
	Currency       domain.Currency
	ReceiptEmail   *string
	IdempotencyKey string
}

// ChargeFeeRequest holds input for charging a platform fee.
type ChargeFeeRequest struct {
	OrderID        uuid.UUID
	Amount         domain.Amount
	Currency       domain.Currency
	IdempotencyKey string
}

// FeeCharge is the gateway's receipt for a charged fee.
type FeeCharge struct {
	ChargeID string
}

// DrainAccountRequest asks the gateway to move the whole balance of a pooled
// account into the main account of its currency.
type DrainAccountRequest struct {
	AccountID      uuid.UUID
	Currency       domain.Currency
	IdempotencyKey string
}

// AccountTransfer is the gateway's receipt for an internal transfer.
type AccountTransfer struct {
	TransferID string
	Amount     domain.Amount
}

// RateOracle supplies exchange rates. Rates are returned per minimal unit:
// how many minimal units of `to` one minimal unit of `from` is worth.
type RateOracle interface {
	GetRate(ctx context.Context, from, to domain.Currency) (decimal.Decimal, error)
}

// Cache is a best-effort key/value store with TTL. It is never the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns nil on miss
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DeadEventNotifier alerts operators about events that need intervention.
type DeadEventNotifier interface {
	NotifyDead(ctx context.Context, event *domain.Event) error
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(timestamp int64, body string) string
}

// AuditService records operator actions.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}

// --- Service Ports (Business Logic) ---

// EventStore is the durable inbox/outbox of settlement events.
type EventStore interface {
	Append(ctx context.Context, payload domain.EventPayload, externalID string) (int64, error)
	AppendDead(ctx context.Context, kind domain.EventKind, raw []byte, externalID, reason string) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Event, error)
	ListDead(ctx context.Context, limit int) ([]domain.Event, error)
	Requeue(ctx context.Context, id int64) error
	ResetStuck(ctx context.Context) (int, error)
}

// InvoiceService defines invoice creation, pricing and exchange-rate locking.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*InvoiceView, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*InvoiceView, error)
	LockRate(ctx context.Context, orderID uuid.UUID) (*domain.OrderExchangeRate, error)
	ExpireStaleRateLocks(ctx context.Context) (int64, error)
}

// CreateInvoiceRequest holds validated input for invoice creation.
type CreateInvoiceRequest struct {
	BuyerCurrency domain.Currency
	Orders        []CreateOrderRequest
}

// CreateOrderRequest is one seller's part of a new invoice.
type CreateOrderRequest struct {
	SellerID       uuid.UUID
	SellerCurrency domain.Currency
	TotalAmount    domain.Amount
	CashbackAmount domain.Amount
}

// InvoiceView is an invoice together with its computed prices.
type InvoiceView struct {
	Invoice  domain.Invoice          `json:"invoice"`
	Price    domain.InvoicePrice     `json:"price"`
	Receipts []domain.AmountReceived `json:"amounts_received"`
}

// PaymentService starts and drives gateway payments for invoices.
type PaymentService interface {
	StartPayment(ctx context.Context, invoiceID uuid.UUID, receiptEmail *string) (*StartPaymentResult, error)
	ConfirmPayment(ctx context.Context, intentID string) (*domain.IntentSnapshot, error)
	RefreshPayment(ctx context.Context, intentID string) (*domain.IntentSnapshot, error)
}

// StartPaymentResult is returned to the buyer to complete the payment client-side.
type StartPaymentResult struct {
	IntentID     string          `json:"intent_id"`
	ClientSecret string          `json:"client_secret"`
	Amount       domain.Amount   `json:"amount"`
	Currency     domain.Currency `json:"currency"`
	EventID      int64           `json:"event_id"`
}

// PayoutService exposes read access to payouts.
type PayoutService interface {
	Preview(ctx context.Context, sellerID uuid.UUID, currency domain.Currency) (*domain.PayoutTotals, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
}

// AccountService exposes read access to pooled accounts.
type AccountService interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}
