package postgres

import (
	"context"
	"errors"
	"fmt"

	"settlement-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const intentColumns = `id, invoice_id, amount, amount_received, currency, client_secret, receipt_email,
	status, created_at, updated_at`

// PaymentIntentRepo implements ports.PaymentIntentRepository.
type PaymentIntentRepo struct {
	pool Pool
}

// NewPaymentIntentRepo creates a new PaymentIntentRepo.
func NewPaymentIntentRepo(pool Pool) *PaymentIntentRepo {
	return &PaymentIntentRepo{pool: pool}
}

// CreateIfAbsent inserts an intent keyed by its gateway ID; a known ID is left untouched.
func (r *PaymentIntentRepo) CreateIfAbsent(ctx context.Context, tx pgx.Tx, p *domain.PaymentIntent) error {
	query := `INSERT INTO payment_intents (id, invoice_id, amount, amount_received, currency, client_secret,
		receipt_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := tx.Exec(ctx, query,
		p.ID, p.InvoiceID, p.Amount, p.AmountReceived, string(p.Currency),
		p.ClientSecret, p.ReceiptEmail, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

// GetByID fetches an intent by its gateway ID.
func (r *PaymentIntentRepo) GetByID(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	return scanIntent(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches an intent with pessimistic locking.
// This MUST be called within a transaction.
func (r *PaymentIntentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1 FOR UPDATE`
	return scanIntent(tx.QueryRow(ctx, query, id))
}

// Update writes the mutable fields of an intent.
func (r *PaymentIntentRepo) Update(ctx context.Context, tx pgx.Tx, p *domain.PaymentIntent) error {
	query := `UPDATE payment_intents SET amount = $1, amount_received = $2, currency = $3,
		client_secret = $4, receipt_email = $5, status = $6, updated_at = $7
		WHERE id = $8`

	tag, err := tx.Exec(ctx, query,
		p.Amount, p.AmountReceived, string(p.Currency), p.ClientSecret,
		p.ReceiptEmail, string(p.Status), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment intent not found: %s", p.ID)
	}
	return nil
}

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	p := &domain.PaymentIntent{}
	err := row.Scan(
		&p.ID, &p.InvoiceID, &p.Amount, &p.AmountReceived, &p.Currency,
		&p.ClientSecret, &p.ReceiptEmail, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("scan payment intent", err)
	}
	return p, nil
}
