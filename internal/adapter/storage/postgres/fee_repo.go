package postgres

import (
	"context"
	"errors"
	"fmt"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const feeColumns = `id, order_id, amount, currency, status, charge_id, metadata, created_at, updated_at`

// FeeRepo implements ports.FeeRepository.
type FeeRepo struct {
	pool Pool
}

// NewFeeRepo creates a new FeeRepo.
func NewFeeRepo(pool Pool) *FeeRepo {
	return &FeeRepo{pool: pool}
}

// CreateIfAbsent inserts a fee unless its order already has one.
func (r *FeeRepo) CreateIfAbsent(ctx context.Context, tx pgx.Tx, f *domain.Fee) (bool, error) {
	query := `INSERT INTO fees (id, order_id, amount, currency, status, charge_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING`

	tag, err := tx.Exec(ctx, query,
		f.ID, f.OrderID, f.Amount, string(f.Currency), string(f.Status),
		f.ChargeID, f.Metadata, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert fee: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByInvoice returns the fees of all orders of an invoice.
func (r *FeeRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Fee, error) {
	query := `SELECT f.id, f.order_id, f.amount, f.currency, f.status, f.charge_id, f.metadata, f.created_at, f.updated_at
		FROM fees f
		JOIN orders o ON o.id = f.order_id
		WHERE o.invoice_id = $1
		ORDER BY f.created_at, f.id`

	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list fees: %w", err)
	}
	defer rows.Close()

	var fees []domain.Fee
	for rows.Next() {
		f := domain.Fee{}
		if err := rows.Scan(
			&f.ID, &f.OrderID, &f.Amount, &f.Currency, &f.Status,
			&f.ChargeID, &f.Metadata, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fee row: %w", err)
		}
		fees = append(fees, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee rows: %w", err)
	}
	return fees, nil
}

// GetByIDForUpdate fetches a fee with pessimistic locking.
// This MUST be called within a transaction.
func (r *FeeRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Fee, error) {
	query := `SELECT ` + feeColumns + ` FROM fees WHERE id = $1 FOR UPDATE`

	f := &domain.Fee{}
	err := tx.QueryRow(ctx, query, id).Scan(
		&f.ID, &f.OrderID, &f.Amount, &f.Currency, &f.Status,
		&f.ChargeID, &f.Metadata, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("get fee for update", err)
	}
	return f, nil
}

// Update writes the charge outcome of a fee.
func (r *FeeRepo) Update(ctx context.Context, tx pgx.Tx, f *domain.Fee) error {
	query := `UPDATE fees SET status = $1, charge_id = $2, metadata = $3, updated_at = $4 WHERE id = $5`

	tag, err := tx.Exec(ctx, query, string(f.Status), f.ChargeID, f.Metadata, f.UpdatedAt, f.ID)
	if err != nil {
		return fmt.Errorf("update fee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fee not found: %s", f.ID)
	}
	return nil
}
