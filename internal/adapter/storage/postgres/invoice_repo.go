package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const invoiceColumns = `id, account_id, buyer_currency, amount_captured, final_amount_paid,
	final_cashback_amount, paid_at, created_at, updated_at`

// InvoiceRepo implements ports.InvoiceRepository.
type InvoiceRepo struct {
	pool Pool
}

// NewInvoiceRepo creates a new InvoiceRepo.
func NewInvoiceRepo(pool Pool) *InvoiceRepo {
	return &InvoiceRepo{pool: pool}
}

// Create inserts a new invoice within a transaction.
func (r *InvoiceRepo) Create(ctx context.Context, tx pgx.Tx, inv *domain.Invoice) error {
	query := `INSERT INTO invoices (id, account_id, buyer_currency, amount_captured, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := tx.Exec(ctx, query,
		inv.ID, inv.AccountID, string(inv.BuyerCurrency), inv.AmountCaptured,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert invoice", err)
	}
	return nil
}

// GetByID fetches an invoice by its UUID (without locking).
func (r *InvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches an invoice by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *InvoiceRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	return scanInvoice(tx.QueryRow(ctx, query, id))
}

// GetByAccountIDForUpdate locks the most recent invoice linked to an account.
// This MUST be called within a transaction.
func (r *InvoiceRepo) GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`
	return scanInvoice(tx.QueryRow(ctx, query, accountID))
}

// UpdateSettlement persists the captured total and the paid transition.
// paid_at is only ever written once.
func (r *InvoiceRepo) UpdateSettlement(ctx context.Context, tx pgx.Tx, inv *domain.Invoice) error {
	query := `UPDATE invoices SET amount_captured = $1, final_amount_paid = $2, final_cashback_amount = $3,
		paid_at = COALESCE(paid_at, $4), updated_at = $5 WHERE id = $6`

	tag, err := tx.Exec(ctx, query,
		inv.AmountCaptured, inv.FinalAmountPaid, inv.FinalCashbackAmount,
		inv.PaidAt, inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invoice settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice not found: %s", inv.ID)
	}
	return nil
}

// ReleaseAccount unlinks a paid invoice from its account.
func (r *InvoiceRepo) ReleaseAccount(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) error {
	query := `UPDATE invoices SET account_id = NULL, updated_at = $1
		WHERE id = $2 AND paid_at IS NOT NULL AND account_id IS NOT NULL`

	if _, err := tx.Exec(ctx, query, time.Now().UTC(), invoiceID); err != nil {
		return fmt.Errorf("release invoice account: %w", err)
	}
	return nil
}

// AddAmountReceived appends a ledger entry. Entries are keyed by source_ref,
// so a replayed entry is reported as not inserted.
func (r *InvoiceRepo) AddAmountReceived(ctx context.Context, tx pgx.Tx, e *domain.AmountReceived) (bool, error) {
	query := `INSERT INTO amounts_received (id, invoice_id, source_ref, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_ref) DO NOTHING`

	tag, err := tx.Exec(ctx, query, e.ID, e.InvoiceID, e.SourceRef, e.Amount, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert amount received: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SumAmountsReceived returns the ledger total of an invoice.
func (r *InvoiceRepo) SumAmountsReceived(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) (domain.Amount, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM amounts_received WHERE invoice_id = $1`

	var total domain.Amount
	if err := tx.QueryRow(ctx, query, invoiceID).Scan(&total); err != nil {
		return domain.ZeroAmount, fmt.Errorf("sum amounts received: %w", err)
	}
	return total, nil
}

// ListAmountsReceived returns the ledger entries of an invoice, oldest first.
func (r *InvoiceRepo) ListAmountsReceived(ctx context.Context, invoiceID uuid.UUID) ([]domain.AmountReceived, error) {
	query := `SELECT id, invoice_id, source_ref, amount, created_at
		FROM amounts_received WHERE invoice_id = $1 ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list amounts received: %w", err)
	}
	defer rows.Close()

	var entries []domain.AmountReceived
	for rows.Next() {
		e := domain.AmountReceived{}
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.SourceRef, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan amount received row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amount received rows: %w", err)
	}
	return entries, nil
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	inv := &domain.Invoice{}
	err := row.Scan(
		&inv.ID, &inv.AccountID, &inv.BuyerCurrency, &inv.AmountCaptured,
		&inv.FinalAmountPaid, &inv.FinalCashbackAmount, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("scan invoice", err)
	}
	return inv, nil
}
