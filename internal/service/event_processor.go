package service

import (
	"context"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/pkg/apperror"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ProcessorConfig sizes the worker pool.
type ProcessorConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

// eventQueue is the worker side of the event store.
type eventQueue interface {
	ClaimBatch(ctx context.Context, limit int) ([]domain.Event, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, reason string) error
	Kill(ctx context.Context, id int64, reason string) error
	ResetStuck(ctx context.Context) (int, error)
}

type intentHandler interface {
	HandleIntentUpdated(ctx context.Context, e *domain.PaymentIntentUpdated) error
	HandleIntentSucceeded(ctx context.Context, e *domain.PaymentIntentSucceeded) error
	HandleIntentFailed(ctx context.Context, e *domain.PaymentIntentFailed) error
	HandleFundsReceived(ctx context.Context, e *domain.FundsReceived) error
}

type rateHandler interface {
	HandleRateLockRequested(ctx context.Context, e *domain.RateLockRequested) error
	ExpireStaleRateLocks(ctx context.Context) (int64, error)
}

type feeHandler interface {
	HandleInvoicePaid(ctx context.Context, e *domain.InvoicePaid) error
}

type payoutHandler interface {
	HandlePayoutRequested(ctx context.Context, e *domain.PayoutRequested) error
	HandleTransferConfirmed(ctx context.Context, e *domain.PayoutTransferConfirmed) error
}

// EventProcessor drains the event store with a pool of workers and routes
// each event to the component that owns it.
type EventProcessor struct {
	queue   eventQueue
	intents intentHandler
	rates   rateHandler
	fees    feeHandler
	payouts payoutHandler
	cfg     ProcessorConfig
	log     zerolog.Logger
}

// NewEventProcessor creates a new EventProcessor.
func NewEventProcessor(
	queue eventQueue,
	intents intentHandler,
	rates rateHandler,
	fees feeHandler,
	payouts payoutHandler,
	cfg ProcessorConfig,
	log zerolog.Logger,
) *EventProcessor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &EventProcessor{
		queue:   queue,
		intents: intents,
		rates:   rates,
		fees:    fees,
		payouts: payouts,
		cfg:     cfg,
		log:     log,
	}
}

// Run starts the workers and the housekeeping loop and blocks until ctx is done.
func (p *EventProcessor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.housekeep(ctx)
		return nil
	})

	p.log.Info().Int("workers", p.cfg.Workers).Int("batch_size", p.cfg.BatchSize).Msg("event processor started")
	err := g.Wait()
	p.log.Info().Msg("event processor stopped")
	return err
}

func (p *EventProcessor) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Keep draining while batches come back full.
		for {
			n, err := p.ProcessOnce(ctx)
			if err != nil {
				p.log.Error().Err(err).Int("worker", worker).Msg("event batch failed")
				break
			}
			if n < p.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *EventProcessor) housekeep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval * 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.ResetStuck(ctx); err != nil {
				p.log.Error().Err(err).Msg("reset stuck events failed")
			}
			if _, err := p.rates.ExpireStaleRateLocks(ctx); err != nil {
				p.log.Error().Err(err).Msg("expire stale rate locks failed")
			}
		}
	}
}

// ProcessOnce claims one batch and handles every event in it. It returns the
// number of events claimed.
func (p *EventProcessor) ProcessOnce(ctx context.Context) (int, error) {
	events, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range events {
		p.process(ctx, &events[i])
	}
	return len(events), nil
}

func (p *EventProcessor) process(ctx context.Context, e *domain.Event) {
	start := time.Now()
	err := p.dispatch(ctx, e.Payload)

	log := p.log.With().Int64("event_id", e.ID).Str("event_kind", string(e.Kind)).Logger()

	// Outcomes are recorded even when ctx was cancelled mid-handler.
	outcomeCtx := context.WithoutCancel(ctx)

	var outcomeErr error
	switch {
	case err == nil:
		outcomeErr = p.queue.Complete(outcomeCtx, e.ID)
		log.Debug().Dur("took", time.Since(start)).Msg("event processed")
	case apperror.IsConflict(err):
		outcomeErr = p.queue.Complete(outcomeCtx, e.ID)
		log.Info().Err(err).Msg("event already applied")
	case apperror.IsPermanent(err):
		outcomeErr = p.queue.Kill(outcomeCtx, e.ID, err.Error())
	default:
		outcomeErr = p.queue.Fail(outcomeCtx, e.ID, err.Error())
	}
	if outcomeErr != nil {
		log.Error().Err(outcomeErr).Msg("failed to record event outcome")
	}
}

func (p *EventProcessor) dispatch(ctx context.Context, payload domain.EventPayload) error {
	switch e := payload.(type) {
	case *domain.Noop:
		return nil
	case *domain.PaymentIntentUpdated:
		return p.intents.HandleIntentUpdated(ctx, e)
	case *domain.PaymentIntentSucceeded:
		return p.intents.HandleIntentSucceeded(ctx, e)
	case *domain.PaymentIntentFailed:
		return p.intents.HandleIntentFailed(ctx, e)
	case *domain.FundsReceived:
		return p.intents.HandleFundsReceived(ctx, e)
	case *domain.RateLockRequested:
		return p.rates.HandleRateLockRequested(ctx, e)
	case *domain.InvoicePaid:
		return p.fees.HandleInvoicePaid(ctx, e)
	case *domain.PayoutRequested:
		return p.payouts.HandlePayoutRequested(ctx, e)
	case *domain.PayoutTransferConfirmed:
		return p.payouts.HandleTransferConfirmed(ctx, e)
	default:
		return apperror.ErrMalformedEvent(fmt.Errorf("no handler for %T", payload))
	}
}
