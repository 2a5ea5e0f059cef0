package postgres

import (
	"context"
	"errors"
	"fmt"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, currency, is_pooled, wallet_address, created_at`

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create inserts a new account within a transaction.
func (r *AccountRepo) Create(ctx context.Context, tx pgx.Tx, a *domain.Account) error {
	query := `INSERT INTO accounts (id, currency, is_pooled, wallet_address, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := tx.Exec(ctx, query, a.ID, string(a.Currency), a.IsPooled, a.WalletAddress, a.CreatedAt)
	if err != nil {
		return wrapWriteErr("insert account", err)
	}
	return nil
}

// GetByID fetches an account by its UUID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

// FindFreePooledForUpdate locks the oldest pooled account in currency that no
// invoice references. A paid invoice keeps its account until the account is
// drained and unlinked. Accounts locked by concurrent invoice creations are
// skipped rather than waited for.
func (r *AccountRepo) FindFreePooledForUpdate(ctx context.Context, tx pgx.Tx, currency domain.Currency) (*domain.Account, error) {
	query := `SELECT a.id, a.currency, a.is_pooled, a.wallet_address, a.created_at
		FROM accounts a
		WHERE a.is_pooled AND a.currency = $1
		  AND NOT EXISTS (SELECT 1 FROM invoices i WHERE i.account_id = a.id)
		ORDER BY a.created_at
		LIMIT 1
		FOR UPDATE OF a SKIP LOCKED`

	return scanAccount(tx.QueryRow(ctx, query, string(currency)))
}

// RecordDrain stores the drain of the account held by an invoice. Drains are
// keyed by invoice, so a replayed drain is ignored.
func (r *AccountRepo) RecordDrain(ctx context.Context, tx pgx.Tx, d *domain.AccountDrain) error {
	query := `INSERT INTO account_drains (id, invoice_id, account_id, transfer_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (invoice_id) DO NOTHING`

	_, err := tx.Exec(ctx, query, d.ID, d.InvoiceID, d.AccountID, d.TransferID, d.Amount, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert account drain: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(&a.ID, &a.Currency, &a.IsPooled, &a.WalletAddress, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("scan account", err)
	}
	return a, nil
}
