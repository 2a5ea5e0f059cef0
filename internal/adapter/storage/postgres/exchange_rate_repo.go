package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const rateColumns = `id, order_id, external_ref, rate, status, created_at, updated_at`

// ExchangeRateRepo implements ports.ExchangeRateRepository.
type ExchangeRateRepo struct {
	pool Pool
}

// NewExchangeRateRepo creates a new ExchangeRateRepo.
func NewExchangeRateRepo(pool Pool) *ExchangeRateRepo {
	return &ExchangeRateRepo{pool: pool}
}

// Create inserts the exchange-rate row of a new order.
func (r *ExchangeRateRepo) Create(ctx context.Context, tx pgx.Tx, rate *domain.OrderExchangeRate) error {
	query := `INSERT INTO order_exchange_rates (id, order_id, external_ref, rate, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query,
		rate.ID, rate.OrderID, rate.ExternalRef, rate.Rate,
		string(rate.Status), rate.CreatedAt, rate.UpdatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert exchange rate", err)
	}
	return nil
}

// GetByOrderID fetches the rate of an order (without locking).
func (r *ExchangeRateRepo) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.OrderExchangeRate, error) {
	query := `SELECT ` + rateColumns + ` FROM order_exchange_rates WHERE order_id = $1`
	return scanRate(r.pool.QueryRow(ctx, query, orderID))
}

// GetByOrderIDForUpdate fetches the rate of an order with pessimistic locking.
// This MUST be called within a transaction.
func (r *ExchangeRateRepo) GetByOrderIDForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*domain.OrderExchangeRate, error) {
	query := `SELECT ` + rateColumns + ` FROM order_exchange_rates WHERE order_id = $1 FOR UPDATE`
	return scanRate(tx.QueryRow(ctx, query, orderID))
}

// ListByInvoice returns the rates of all orders of an invoice.
func (r *ExchangeRateRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.OrderExchangeRate, error) {
	query := `SELECT r.id, r.order_id, r.external_ref, r.rate, r.status, r.created_at, r.updated_at
		FROM order_exchange_rates r
		JOIN orders o ON o.id = r.order_id
		WHERE o.invoice_id = $1`

	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list exchange rates: %w", err)
	}
	defer rows.Close()

	var rates []domain.OrderExchangeRate
	for rows.Next() {
		rate := domain.OrderExchangeRate{}
		if err := rows.Scan(
			&rate.ID, &rate.OrderID, &rate.ExternalRef, &rate.Rate,
			&rate.Status, &rate.CreatedAt, &rate.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exchange rate row: %w", err)
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchange rate rows: %w", err)
	}
	return rates, nil
}

// Lock writes the quoted rate of a pending row. A locked rate is never rewritten,
// so the update matches nothing once the row has left pending.
func (r *ExchangeRateRepo) Lock(ctx context.Context, tx pgx.Tx, id uuid.UUID, rate decimal.Decimal, externalRef *string) (bool, error) {
	query := `UPDATE order_exchange_rates SET rate = $1, external_ref = $2, status = 'locked', updated_at = $3
		WHERE id = $4 AND status = 'pending'`

	tag, err := tx.Exec(ctx, query, rate, externalRef, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("lock exchange rate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAppliedByInvoice moves every locked rate of an invoice to applied.
func (r *ExchangeRateRepo) MarkAppliedByInvoice(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) error {
	query := `UPDATE order_exchange_rates SET status = 'applied', updated_at = $1
		WHERE status = 'locked' AND order_id IN (SELECT id FROM orders WHERE invoice_id = $2)`

	if _, err := tx.Exec(ctx, query, time.Now().UTC(), invoiceID); err != nil {
		return fmt.Errorf("mark exchange rates applied: %w", err)
	}
	return nil
}

// ExpirePending moves rates that stayed pending since before createdBefore to expired.
func (r *ExchangeRateRepo) ExpirePending(ctx context.Context, createdBefore time.Time) (int64, error) {
	query := `UPDATE order_exchange_rates SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1`

	tag, err := r.pool.Exec(ctx, query, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("expire pending exchange rates: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRate(row pgx.Row) (*domain.OrderExchangeRate, error) {
	rate := &domain.OrderExchangeRate{}
	err := row.Scan(
		&rate.ID, &rate.OrderID, &rate.ExternalRef, &rate.Rate,
		&rate.Status, &rate.CreatedAt, &rate.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("scan exchange rate", err)
	}
	return rate, nil
}
