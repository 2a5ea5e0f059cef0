package ports

import (
	"context"
	"errors"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned (wrapped) by repositories when a unique constraint rejects a write.
var ErrDuplicate = errors.New("duplicate key")

// ErrLockTimeout is returned (wrapped) by repositories when a statement gave up
// waiting for a row lock or ran past the statement timeout.
var ErrLockTimeout = errors.New("lock timeout")

// AccountRepository defines persistence operations for accounts.
// An account's currency is immutable, so there is no update path.
type AccountRepository interface {
	Create(ctx context.Context, tx pgx.Tx, account *domain.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	// FindFreePooledForUpdate locks a pooled account in currency that no
	// invoice references. Rows locked by other transactions are skipped.
	FindFreePooledForUpdate(ctx context.Context, tx pgx.Tx, currency domain.Currency) (*domain.Account, error)
	// RecordDrain stores a drain once per invoice; a replay is a no-op.
	RecordDrain(ctx context.Context, tx pgx.Tx, drain *domain.AccountDrain) error
}

// InvoiceRepository defines persistence operations for invoices and their
// amounts-received ledger.
// Methods accepting pgx.Tx are used inside transaction blocks for pessimistic locking.
type InvoiceRepository interface {
	Create(ctx context.Context, tx pgx.Tx, invoice *domain.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Invoice, error)
	GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*domain.Invoice, error)
	// UpdateSettlement writes amount_captured, the final amounts and paid_at.
	UpdateSettlement(ctx context.Context, tx pgx.Tx, invoice *domain.Invoice) error
	ReleaseAccount(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) error

	// AddAmountReceived appends a ledger row. It returns false when a row with
	// the same source_ref already exists.
	AddAmountReceived(ctx context.Context, tx pgx.Tx, entry *domain.AmountReceived) (bool, error)
	SumAmountsReceived(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) (domain.Amount, error)
	ListAmountsReceived(ctx context.Context, invoiceID uuid.UUID) ([]domain.AmountReceived, error)
}

// OrderRepository defines persistence operations for orders.
type OrderRepository interface {
	Create(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Order, error)
	// ListPayoutCandidates returns orders of a seller that are eligible for a
	// payout in currency. With tx set, the order rows are locked.
	ListPayoutCandidates(ctx context.Context, tx pgx.Tx, params PayoutCandidateParams) ([]PayoutCandidate, error)
}

// PayoutCandidateParams filters payout candidates.
type PayoutCandidateParams struct {
	SellerID uuid.UUID
	Currency domain.Currency
	OrderIDs []uuid.UUID // empty = all eligible orders
}

// PayoutCandidate is an order eligible for a payout together with the values
// the payout math needs.
type PayoutCandidate struct {
	Order     domain.Order
	Rate      decimal.Decimal
	FeeAmount domain.Amount
}

// ExchangeRateRepository defines persistence operations for order exchange rates.
type ExchangeRateRepository interface {
	Create(ctx context.Context, tx pgx.Tx, rate *domain.OrderExchangeRate) error
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.OrderExchangeRate, error)
	GetByOrderIDForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*domain.OrderExchangeRate, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.OrderExchangeRate, error)
	// Lock moves a pending rate to locked. It returns false if the rate was no longer pending.
	Lock(ctx context.Context, tx pgx.Tx, id uuid.UUID, rate decimal.Decimal, externalRef *string) (bool, error)
	MarkAppliedByInvoice(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) error
	ExpirePending(ctx context.Context, createdBefore time.Time) (int64, error)
}

// PaymentIntentRepository defines persistence operations for payment intents.
type PaymentIntentRepository interface {
	// CreateIfAbsent inserts the intent unless its ID is already known.
	CreateIfAbsent(ctx context.Context, tx pgx.Tx, intent *domain.PaymentIntent) error
	GetByID(ctx context.Context, id string) (*domain.PaymentIntent, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.PaymentIntent, error)
	Update(ctx context.Context, tx pgx.Tx, intent *domain.PaymentIntent) error
}

// FeeRepository defines persistence operations for platform fees.
type FeeRepository interface {
	// CreateIfAbsent inserts the fee unless the order already has one.
	CreateIfAbsent(ctx context.Context, tx pgx.Tx, fee *domain.Fee) (bool, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Fee, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Fee, error)
	Update(ctx context.Context, tx pgx.Tx, fee *domain.Fee) error
}

// PayoutRepository defines persistence operations for payouts and their order links.
type PayoutRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payout *domain.Payout) error
	// AddOrders links orders to a payout. A link that already exists yields ErrDuplicate.
	AddOrders(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID, orderIDs []uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, payout *domain.Payout) error
	// OrdersInPayout returns which of orderIDs already belong to a payout.
	OrdersInPayout(ctx context.Context, tx pgx.Tx, orderIDs []uuid.UUID) ([]uuid.UUID, error)
}

// EventRepository defines persistence for the event inbox/outbox.
type EventRepository interface {
	// Insert stores a new event. When ExternalID is already known, the existing
	// id is returned and created is false.
	Insert(ctx context.Context, event *domain.Event) (id int64, created bool, err error)
	// InsertTx stores a new event inside an aggregate transaction (outbox).
	InsertTx(ctx context.Context, tx pgx.Tx, event *domain.Event) (int64, error)
	// Claim moves up to limit due events to processing and returns them, oldest first.
	Claim(ctx context.Context, limit, maxAttempts int, now time.Time) ([]domain.Event, error)
	GetByID(ctx context.Context, id int64) (*domain.Event, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Event, error)
	// ListStuckForUpdate locks processing events whose status is older than before.
	ListStuckForUpdate(ctx context.Context, tx pgx.Tx, before time.Time, limit int) ([]domain.Event, error)
	// UpdateStatus writes status, attempt_count, last_error, next_attempt_at and status_updated_at.
	UpdateStatus(ctx context.Context, tx pgx.Tx, event *domain.Event) error
	MarkDone(ctx context.Context, id int64, now time.Time) error
	ListByStatus(ctx context.Context, status domain.EventStatus, limit int) ([]domain.Event, error)
	// Requeue moves a dead event back to new with a fresh retry budget.
	Requeue(ctx context.Context, id int64, now time.Time) (bool, error)
}

// AuditRepository defines persistence for audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
