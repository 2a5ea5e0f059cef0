package postgres

import (
	"context"
	"errors"
)

// HealthCheck implements ports.HealthChecker for PostgreSQL. Besides
// connectivity it requires the events table, so an unmigrated database
// reports unhealthy instead of failing every request.
type HealthCheck struct {
	pool Pool
}

// NewHealthCheck creates a PostgreSQL health checker.
func NewHealthCheck(pool Pool) *HealthCheck {
	return &HealthCheck{pool: pool}
}

func (h *HealthCheck) Ping(ctx context.Context) error {
	var migrated bool
	if err := h.pool.QueryRow(ctx, "SELECT to_regclass('events') IS NOT NULL").Scan(&migrated); err != nil {
		return err
	}
	if !migrated {
		return errors.New("events table missing, run migrations")
	}
	return nil
}

func (h *HealthCheck) Name() string {
	return "postgresql"
}
