package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, kind, external_id, payload, status, attempt_count, last_error,
	next_attempt_at, created_at, status_updated_at`

// EventRepo implements ports.EventRepository on the events table.
type EventRepo struct {
	pool Pool
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(pool Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Insert stores a new event. External IDs are unique: a duplicate append
// returns the stored event's id with created=false.
func (r *EventRepo) Insert(ctx context.Context, e *domain.Event) (int64, bool, error) {
	return insertEvent(ctx, r.pool, e)
}

// InsertTx stores a new event as part of an aggregate transaction.
func (r *EventRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *domain.Event) (int64, error) {
	id, _, err := insertEvent(ctx, tx, e)
	return id, err
}

func insertEvent(ctx context.Context, q querier, e *domain.Event) (int64, bool, error) {
	query := `INSERT INTO events (kind, external_id, payload, status, attempt_count, last_error, created_at, status_updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id`

	var id int64
	err := q.QueryRow(ctx, query,
		string(e.Kind), e.ExternalID, []byte(e.Raw), string(e.Status), e.LastError, e.CreatedAt, e.StatusUpdatedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || e.ExternalID == nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}

	err = q.QueryRow(ctx, `SELECT id FROM events WHERE external_id = $1`, *e.ExternalID).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("get duplicate event: %w", err)
	}
	return id, false, nil
}

// Claim atomically moves up to limit due events to processing. Rows locked by
// another worker are skipped, so concurrent claimers never share an event.
func (r *EventRepo) Claim(ctx context.Context, limit, maxAttempts int, now time.Time) ([]domain.Event, error) {
	query := `UPDATE events SET status = 'processing', status_updated_at = $1
		WHERE id IN (
			SELECT id FROM events
			WHERE (status = 'new' OR (status = 'failed' AND attempt_count < $2))
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + eventColumns

	events, err := r.queryEvents(ctx, r.pool, query, now, maxAttempts, limit)
	if err != nil {
		return nil, wrapReadErr("claim events", err)
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(events, func(a, b domain.Event) int { return cmp.Compare(a.ID, b.ID) })
	return events, nil
}

// GetByID fetches an event by id.
func (r *EventRepo) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	return scanEvent(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches an event with pessimistic locking.
// This MUST be called within a transaction.
func (r *EventRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 FOR UPDATE`
	return scanEvent(tx.QueryRow(ctx, query, id))
}

// ListStuckForUpdate locks processing events whose claim is older than before.
func (r *EventRepo) ListStuckForUpdate(ctx context.Context, tx pgx.Tx, before time.Time, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE status = 'processing' AND status_updated_at < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	events, err := r.queryEvents(ctx, tx, query, before, limit)
	if err != nil {
		return nil, wrapReadErr("list stuck events", err)
	}
	return events, nil
}

// UpdateStatus persists a status transition decided by the event store.
func (r *EventRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, e *domain.Event) error {
	query := `UPDATE events SET status = $1, attempt_count = $2, last_error = $3, next_attempt_at = $4,
		status_updated_at = $5 WHERE id = $6`

	tag, err := tx.Exec(ctx, query,
		string(e.Status), e.AttemptCount, e.LastError, e.NextAttemptAt, e.StatusUpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %d", e.ID)
	}
	return nil
}

// MarkDone moves a processing event to done.
func (r *EventRepo) MarkDone(ctx context.Context, id int64, now time.Time) error {
	query := `UPDATE events SET status = 'done', next_attempt_at = NULL, status_updated_at = $1
		WHERE id = $2 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("mark event done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d is not processing", id)
	}
	return nil
}

// ListByStatus returns events in status, oldest first.
func (r *EventRepo) ListByStatus(ctx context.Context, status domain.EventStatus, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE status = $1 ORDER BY id LIMIT $2`

	events, err := r.queryEvents(ctx, r.pool, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list events by status: %w", err)
	}
	return events, nil
}

// Requeue gives a dead event a fresh retry budget.
func (r *EventRepo) Requeue(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `UPDATE events SET status = 'new', attempt_count = 0, next_attempt_at = NULL, status_updated_at = $1
		WHERE id = $2 AND status = 'dead'`

	tag, err := r.pool.Exec(ctx, query, now, id)
	if err != nil {
		return false, fmt.Errorf("requeue event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EventRepo) queryEvents(ctx context.Context, q querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e := domain.Event{}
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.ExternalID, &e.Raw, &e.Status, &e.AttemptCount,
			&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.StatusUpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	e := &domain.Event{}
	err := row.Scan(
		&e.ID, &e.Kind, &e.ExternalID, &e.Raw, &e.Status, &e.AttemptCount,
		&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.StatusUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapReadErr("scan event", err)
	}
	return e, nil
}
