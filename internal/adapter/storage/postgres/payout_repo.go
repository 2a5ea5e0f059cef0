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

const payoutColumns = `id, seller_id, currency, gross_amount, fee_amount, blockchain_fee, net_amount,
	target_type, wallet_address, initiated_at, completed_at, transfer_ref`

// PayoutRepo implements ports.PayoutRepository.
type PayoutRepo struct {
	pool Pool
}

// NewPayoutRepo creates a new PayoutRepo.
func NewPayoutRepo(pool Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

// Create inserts a payout within a transaction. A reused payout ID yields ports.ErrDuplicate.
func (r *PayoutRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Payout) error {
	query := `INSERT INTO payouts (id, seller_id, currency, gross_amount, fee_amount, blockchain_fee, net_amount,
		target_type, wallet_address, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := tx.Exec(ctx, query,
		p.ID, p.SellerID, string(p.Currency), p.GrossAmount, p.FeeAmount, p.BlockchainFee,
		p.NetAmount, string(p.TargetType), p.WalletAddress, p.InitiatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert payout", err)
	}
	return nil
}

// AddOrders links orders to a payout. An order can only be linked once.
func (r *PayoutRepo) AddOrders(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID, orderIDs []uuid.UUID) error {
	query := `INSERT INTO order_payouts (order_id, payout_id, created_at) VALUES ($1, $2, $3)`

	now := time.Now().UTC()
	for _, orderID := range orderIDs {
		if _, err := tx.Exec(ctx, query, orderID, payoutID, now); err != nil {
			return wrapWriteErr("insert order payout", err)
		}
	}
	return nil
}

// GetByID fetches a payout with the IDs of its orders.
func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`

	p, err := scanPayout(r.pool.QueryRow(ctx, query, id))
	if err != nil || p == nil {
		return p, err
	}

	rows, err := r.pool.Query(ctx, `SELECT order_id FROM order_payouts WHERE payout_id = $1 ORDER BY created_at, order_id`, id)
	if err != nil {
		return nil, fmt.Errorf("list payout orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID uuid.UUID
		if err := rows.Scan(&orderID); err != nil {
			return nil, fmt.Errorf("scan payout order row: %w", err)
		}
		p.OrderIDs = append(p.OrderIDs, orderID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payout order rows: %w", err)
	}
	return p, nil
}

// GetByIDForUpdate fetches a payout with pessimistic locking.
// This MUST be called within a transaction.
func (r *PayoutRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1 FOR UPDATE`
	return scanPayout(tx.QueryRow(ctx, query, id))
}

// MarkCompleted records the confirmed transfer of a payout, once.
func (r *PayoutRepo) MarkCompleted(ctx context.Context, tx pgx.Tx, p *domain.Payout) error {
	query := `UPDATE payouts SET completed_at = $1, transfer_ref = $2 WHERE id = $3 AND completed_at IS NULL`

	tag, err := tx.Exec(ctx, query, p.CompletedAt, p.TransferRef, p.ID)
	if err != nil {
		return fmt.Errorf("complete payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout not found or already completed: %s", p.ID)
	}
	return nil
}

// OrdersInPayout returns which of orderIDs are already linked to a payout.
func (r *PayoutRepo) OrdersInPayout(ctx context.Context, tx pgx.Tx, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	rows, err := pick(r.pool, tx).Query(ctx, `SELECT order_id FROM order_payouts WHERE order_id = ANY($1)`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("find orders in payout: %w", err)
	}
	defer rows.Close()

	var taken []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order payout row: %w", err)
		}
		taken = append(taken, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order payout rows: %w", err)
	}
	return taken, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	p := &domain.Payout{}
	err := row.Scan(
		&p.ID, &p.SellerID, &p.Currency, &p.GrossAmount, &p.FeeAmount, &p.BlockchainFee,
		&p.NetAmount, &p.TargetType, &p.WalletAddress, &p.InitiatedAt, &p.CompletedAt, &p.TransferRef,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("scan payout", err)
	}
	return p, nil
}
