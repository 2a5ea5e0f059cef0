package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// stuckBatch bounds how many abandoned events one ResetStuck call recovers.
const stuckBatch = 100

// EventStoreConfig is the retry policy of the event store.
type EventStoreConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	StuckAfter  time.Duration
	DedupTTL    time.Duration
}

// EventStoreService implements ports.EventStore on top of the events table.
// Workers claim events, run them and report back through Complete, Fail or Kill.
type EventStoreService struct {
	repo       ports.EventRepository
	transactor ports.DBTransactor
	dedup      ports.Cache
	notifier   ports.DeadEventNotifier
	cfg        EventStoreConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewEventStore creates an event store. dedup and notifier may be nil.
func NewEventStore(
	repo ports.EventRepository,
	transactor ports.DBTransactor,
	dedup ports.Cache,
	notifier ports.DeadEventNotifier,
	cfg EventStoreConfig,
	log zerolog.Logger,
) *EventStoreService {
	return &EventStoreService{
		repo:       repo,
		transactor: transactor,
		dedup:      dedup,
		notifier:   notifier,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// Append persists a new event. A known externalID returns the id of the
// event already stored for it.
func (s *EventStoreService) Append(ctx context.Context, payload domain.EventPayload, externalID string) (int64, error) {
	if externalID != "" {
		if id, ok := s.lookupDedup(ctx, externalID); ok {
			return id, nil
		}
	}

	event, err := domain.NewEvent(payload, externalID, s.now())
	if err != nil {
		return 0, apperror.ErrMalformedEvent(err)
	}

	id, created, err := s.repo.Insert(ctx, event)
	if err != nil {
		return 0, dbError(fmt.Errorf("append event: %w", err))
	}

	if externalID != "" && s.dedup != nil {
		if err := s.dedup.Set(ctx, externalID, []byte(strconv.FormatInt(id, 10)), s.cfg.DedupTTL); err != nil {
			s.log.Warn().Err(err).Str("external_id", externalID).Msg("failed to cache event dedup key")
		}
	}

	if created {
		s.log.Info().Int64("event_id", id).Str("event_kind", string(event.Kind)).Msg("event appended")
	} else {
		s.log.Debug().Int64("event_id", id).Str("external_id", externalID).Msg("duplicate event ignored")
	}
	return id, nil
}

// AppendDead stores an intake payload that can never be processed directly
// as dead and alerts on it. raw must be valid JSON. A known externalID returns
// the id of the event already stored for it.
func (s *EventStoreService) AppendDead(ctx context.Context, kind domain.EventKind, raw []byte, externalID, reason string) (int64, error) {
	if externalID != "" {
		if id, ok := s.lookupDedup(ctx, externalID); ok {
			return id, nil
		}
	}

	now := s.now()
	event := &domain.Event{
		Kind:            kind,
		Raw:             raw,
		Status:          domain.EventDead,
		LastError:       &reason,
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}
	if externalID != "" {
		event.ExternalID = &externalID
	}

	id, created, err := s.repo.Insert(ctx, event)
	if err != nil {
		return 0, dbError(fmt.Errorf("append dead event: %w", err))
	}
	if externalID != "" && s.dedup != nil {
		if err := s.dedup.Set(ctx, externalID, []byte(strconv.FormatInt(id, 10)), s.cfg.DedupTTL); err != nil {
			s.log.Warn().Err(err).Str("external_id", externalID).Msg("failed to cache event dedup key")
		}
	}
	if created {
		event.ID = id
		s.reportTransition(ctx, event)
	}
	return id, nil
}

func (s *EventStoreService) lookupDedup(ctx context.Context, externalID string) (int64, bool) {
	if s.dedup == nil {
		return 0, false
	}
	cached, err := s.dedup.Get(ctx, externalID)
	if err != nil {
		s.log.Warn().Err(err).Str("external_id", externalID).Msg("dedup cache read failed, falling through to DB")
		return 0, false
	}
	if cached == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(string(cached), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// AppendTx stores an event inside the caller's transaction, so it becomes
// visible exactly when the aggregate change commits.
func (s *EventStoreService) AppendTx(ctx context.Context, tx pgx.Tx, payload domain.EventPayload) (int64, error) {
	event, err := domain.NewEvent(payload, "", s.now())
	if err != nil {
		return 0, apperror.ErrMalformedEvent(err)
	}
	id, err := s.repo.InsertTx(ctx, tx, event)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", event.Kind, err)
	}
	return id, nil
}

// ClaimBatch hands up to limit due events to the caller with decoded payloads.
// Events whose payload cannot be decoded are killed and not returned.
func (s *EventStoreService) ClaimBatch(ctx context.Context, limit int) ([]domain.Event, error) {
	claimed, err := s.repo.Claim(ctx, limit, s.cfg.MaxAttempts, s.now())
	if err != nil {
		return nil, dbError(fmt.Errorf("claim events: %w", err))
	}

	events := make([]domain.Event, 0, len(claimed))
	for _, e := range claimed {
		payload, err := domain.DecodePayload(e.Kind, e.Raw)
		if err != nil {
			if killErr := s.Kill(ctx, e.ID, err.Error()); killErr != nil {
				s.log.Error().Err(killErr).Int64("event_id", e.ID).Msg("failed to kill undecodable event")
			}
			continue
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, nil
}

// Complete marks a processing event done.
func (s *EventStoreService) Complete(ctx context.Context, id int64) error {
	if err := s.repo.MarkDone(ctx, id, s.now()); err != nil {
		return dbError(err)
	}
	return nil
}

// Fail records a failed attempt. The event is retried after a backoff, or
// becomes dead once the attempt budget is spent.
func (s *EventStoreService) Fail(ctx context.Context, id int64, reason string) error {
	return s.transition(ctx, id, func(e *domain.Event, now time.Time) {
		s.failAttempt(e, reason, now)
	})
}

// Kill moves a processing event straight to dead without spending retry budget.
func (s *EventStoreService) Kill(ctx context.Context, id int64, reason string) error {
	return s.transition(ctx, id, func(e *domain.Event, now time.Time) {
		e.Status = domain.EventDead
		e.LastError = &reason
		e.NextAttemptAt = nil
		e.StatusUpdatedAt = now
	})
}

func (s *EventStoreService) failAttempt(e *domain.Event, reason string, now time.Time) {
	e.AttemptCount++
	e.LastError = &reason
	e.StatusUpdatedAt = now
	if e.AttemptCount >= s.cfg.MaxAttempts {
		e.Status = domain.EventDead
		e.NextAttemptAt = nil
		return
	}
	next := now.Add(s.backoff(e.AttemptCount))
	e.Status = domain.EventFailed
	e.NextAttemptAt = &next
}

// backoff returns min(base * 2^(attempts-1), max).
func (s *EventStoreService) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return min(d, s.cfg.BackoffMax)
}

// transition applies fn to a processing event under its row lock.
// Events that already left processing are left untouched.
func (s *EventStoreService) transition(ctx context.Context, id int64, fn func(e *domain.Event, now time.Time)) error {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	event, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return dbError(err)
	}
	if event == nil {
		return apperror.ErrNotFound("event")
	}
	if event.Status != domain.EventProcessing {
		s.log.Warn().Int64("event_id", id).Str("status", string(event.Status)).Msg("event is no longer processing, transition skipped")
		return nil
	}

	fn(event, s.now())

	if err := s.repo.UpdateStatus(ctx, tx, event); err != nil {
		return dbError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	s.reportTransition(ctx, event)
	return nil
}

func (s *EventStoreService) reportTransition(ctx context.Context, e *domain.Event) {
	reason := ""
	if e.LastError != nil {
		reason = *e.LastError
	}

	if e.Status != domain.EventDead {
		s.log.Warn().
			Int64("event_id", e.ID).
			Str("event_kind", string(e.Kind)).
			Int("attempt", e.AttemptCount).
			Time("next_attempt_at", *e.NextAttemptAt).
			Str("reason", reason).
			Msg("event attempt failed, will retry")
		return
	}

	s.log.Error().
		Int64("event_id", e.ID).
		Str("event_kind", string(e.Kind)).
		Int("attempt", e.AttemptCount).
		Str("reason", reason).
		Msg("event is dead")

	if s.notifier != nil {
		if err := s.notifier.NotifyDead(ctx, e); err != nil {
			s.log.Warn().Err(err).Int64("event_id", e.ID).Msg("failed to send dead event alert")
		}
	}
}

// ResetStuck recovers events left in processing by a crashed worker. Each one
// counts as a failed attempt.
func (s *EventStoreService) ResetStuck(ctx context.Context) (int, error) {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return 0, dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	stuck, err := s.repo.ListStuckForUpdate(ctx, tx, now.Add(-s.cfg.StuckAfter), stuckBatch)
	if err != nil {
		return 0, dbError(err)
	}

	for i := range stuck {
		s.failAttempt(&stuck[i], "processing timed out", now)
		if err := s.repo.UpdateStatus(ctx, tx, &stuck[i]); err != nil {
			return 0, dbError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, dbError(fmt.Errorf("commit tx: %w", err))
	}

	for i := range stuck {
		s.reportTransition(ctx, &stuck[i])
	}
	if len(stuck) > 0 {
		s.log.Info().Int("count", len(stuck)).Msg("reset stuck events")
	}
	return len(stuck), nil
}

// Get returns a stored event.
func (s *EventStoreService) Get(ctx context.Context, id int64) (*domain.Event, error) {
	event, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, dbError(err)
	}
	if event == nil {
		return nil, apperror.ErrNotFound("event")
	}
	return event, nil
}

// ListDead returns dead events, oldest first.
func (s *EventStoreService) ListDead(ctx context.Context, limit int) ([]domain.Event, error) {
	events, err := s.repo.ListByStatus(ctx, domain.EventDead, limit)
	if err != nil {
		return nil, dbError(err)
	}
	return events, nil
}

// Requeue gives a dead event a fresh retry budget.
func (s *EventStoreService) Requeue(ctx context.Context, id int64) error {
	ok, err := s.repo.Requeue(ctx, id, s.now())
	if err != nil {
		return dbError(err)
	}
	if ok {
		s.log.Info().Int64("event_id", id).Msg("event requeued")
		return nil
	}

	event, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return dbError(err)
	}
	if event == nil {
		return apperror.ErrNotFound("event")
	}
	return apperror.ErrConflict(fmt.Sprintf("event %d is %s, only dead events can be requeued", id, event.Status))
}
