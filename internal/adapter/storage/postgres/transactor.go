package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Transactor implements ports.DBTransactor. Every transaction runs at read
// committed; the services serialize through SELECT ... FOR UPDATE instead of
// stronger isolation.
type Transactor struct {
	pool        Pool
	opts        pgx.TxOptions
	lockTimeout time.Duration
}

// NewTransactor creates a Transactor. A positive lockTimeout makes row-lock
// waits inside each transaction fail with SQLSTATE 55P03 once it elapses.
func NewTransactor(pool Pool, lockTimeout time.Duration) *Transactor {
	return &Transactor{
		pool:        pool,
		opts:        pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
		lockTimeout: lockTimeout,
	}
}

// Begin starts a transaction with the transactor's lock timeout applied.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := t.pool.BeginTx(ctx, t.opts)
	if err != nil {
		return nil, err
	}
	if t.lockTimeout <= 0 {
		return tx, nil
	}

	// SET does not take bind parameters; the value is an integer in ms.
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", t.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, stmt); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	return tx, nil
}
