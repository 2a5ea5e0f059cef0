package postgres

import (
	"context"
	"errors"
	"fmt"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, invoice_id, seller_id, seller_currency, total_amount, cashback_amount, created_at`

// OrderRepo implements ports.OrderRepository.
type OrderRepo struct {
	pool Pool
}

// NewOrderRepo creates a new OrderRepo.
func NewOrderRepo(pool Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

// Create inserts a new order within a transaction.
func (r *OrderRepo) Create(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	query := `INSERT INTO orders (id, invoice_id, seller_id, seller_currency, total_amount, cashback_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query,
		o.ID, o.InvoiceID, o.SellerID, string(o.SellerCurrency),
		o.TotalAmount, o.CashbackAmount, o.CreatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert order", err)
	}
	return nil
}

// GetByID fetches an order by its UUID.
func (r *OrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o := &domain.Order{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.InvoiceID, &o.SellerID, &o.SellerCurrency,
		&o.TotalAmount, &o.CashbackAmount, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return o, nil
}

// ListByInvoice returns the orders of an invoice in creation order.
func (r *OrderRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE invoice_id = $1 ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o := domain.Order{}
		if err := rows.Scan(
			&o.ID, &o.InvoiceID, &o.SellerID, &o.SellerCurrency,
			&o.TotalAmount, &o.CashbackAmount, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

// ListPayoutCandidates returns a seller's orders that can be paid out in
// currency: the invoice is paid in that currency, the fee is charged, the
// rate is usable and no payout holds the order yet. With tx set the order
// rows are locked, which serializes concurrent aggregations for a seller.
func (r *OrderRepo) ListPayoutCandidates(ctx context.Context, tx pgx.Tx, params ports.PayoutCandidateParams) ([]ports.PayoutCandidate, error) {
	query := `SELECT o.id, o.invoice_id, o.seller_id, o.seller_currency, o.total_amount, o.cashback_amount, o.created_at,
		r.rate, f.amount
		FROM orders o
		JOIN invoices i ON i.id = o.invoice_id
		JOIN fees f ON f.order_id = o.id
		JOIN order_exchange_rates r ON r.order_id = o.id
		WHERE o.seller_id = $1
		  AND i.buyer_currency = $2
		  AND i.paid_at IS NOT NULL
		  AND f.status = 'charged'
		  AND r.status IN ('locked', 'applied')
		  AND NOT EXISTS (SELECT 1 FROM order_payouts op WHERE op.order_id = o.id)`
	args := []any{params.SellerID, string(params.Currency)}

	if len(params.OrderIDs) > 0 {
		query += ` AND o.id = ANY($3)`
		args = append(args, params.OrderIDs)
	}
	query += ` ORDER BY o.created_at, o.id`
	if tx != nil {
		query += ` FOR UPDATE OF o`
	}

	rows, err := pick(r.pool, tx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapReadErr("list payout candidates", err)
	}
	defer rows.Close()

	var candidates []ports.PayoutCandidate
	for rows.Next() {
		c := ports.PayoutCandidate{}
		if err := rows.Scan(
			&c.Order.ID, &c.Order.InvoiceID, &c.Order.SellerID, &c.Order.SellerCurrency,
			&c.Order.TotalAmount, &c.Order.CashbackAmount, &c.Order.CreatedAt,
			&c.Rate, &c.FeeAmount,
		); err != nil {
			return nil, fmt.Errorf("scan payout candidate row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payout candidate rows: %w", err)
	}
	return candidates, nil
}
