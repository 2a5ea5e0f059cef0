package postgres

import (
	"errors"
	"fmt"

	"settlement-engine/internal/core/ports"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

// isLockTimeout covers lock_timeout and statement_timeout cancellations.
func isLockTimeout(err error) bool {
	switch pgCode(err) {
	case pgLockNotAvailable, pgQueryCanceled:
		return true
	}
	return false
}

// wrapReadErr wraps err with op, translating lock timeouts to ports.ErrLockTimeout.
func wrapReadErr(op string, err error) error {
	if isLockTimeout(err) {
		return fmt.Errorf("%s: %w: %w", op, ports.ErrLockTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapWriteErr is wrapReadErr plus unique violations as ports.ErrDuplicate.
func wrapWriteErr(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, ports.ErrDuplicate, err)
	}
	return wrapReadErr(op, err)
}
