package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// AggregateRequest asks for one payout over a seller's eligible orders.
type AggregateRequest struct {
	PayoutID      uuid.UUID // uuid.Nil = generate
	SellerID      uuid.UUID
	Currency      domain.Currency
	OrderIDs      []uuid.UUID // empty = every eligible order
	TargetType    domain.PayoutTargetType
	WalletAddress *string
	BlockchainFee domain.Amount
}

// PayoutAggregator implements ports.PayoutService and turns fee-settled
// orders into payouts.
type PayoutAggregator struct {
	payouts    ports.PayoutRepository
	orders     ports.OrderRepository
	transactor ports.DBTransactor
	now        func() time.Time
	log        zerolog.Logger
}

// NewPayoutAggregator creates a new PayoutAggregator.
func NewPayoutAggregator(
	payouts ports.PayoutRepository,
	orders ports.OrderRepository,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *PayoutAggregator {
	return &PayoutAggregator{
		payouts:    payouts,
		orders:     orders,
		transactor: transactor,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// Aggregate locks the eligible orders, computes the payout totals and links
// the orders to a new payout, all in one transaction.
func (a *PayoutAggregator) Aggregate(ctx context.Context, req AggregateRequest) (*domain.Payout, error) {
	if err := validateAggregate(req); err != nil {
		return nil, err
	}
	if req.PayoutID == uuid.Nil {
		req.PayoutID = uuid.New()
	}

	dbTx, err := a.transactor.Begin(ctx)
	if err != nil {
		return nil, dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	candidates, err := a.orders.ListPayoutCandidates(ctx, dbTx, ports.PayoutCandidateParams{
		SellerID: req.SellerID,
		Currency: req.Currency,
		OrderIDs: req.OrderIDs,
	})
	if err != nil {
		return nil, dbError(err)
	}
	if len(req.OrderIDs) > 0 {
		if err := a.checkRequested(ctx, dbTx, req.OrderIDs, candidates); err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, apperror.ErrNothingToPayOut()
	}

	totals, err := domain.ComputePayoutTotals(payoutLines(candidates), req.BlockchainFee)
	if err != nil {
		if errors.Is(err, domain.ErrPayoutNegative) {
			return nil, apperror.ErrPayoutBelowFees()
		}
		return nil, apperror.InternalError(err)
	}

	payout := &domain.Payout{
		ID:            req.PayoutID,
		SellerID:      req.SellerID,
		Currency:      req.Currency,
		GrossAmount:   totals.Gross,
		FeeAmount:     totals.Fees,
		BlockchainFee: totals.BlockchainFee,
		NetAmount:     totals.Net,
		TargetType:    req.TargetType,
		WalletAddress: req.WalletAddress,
		InitiatedAt:   a.now(),
		OrderIDs:      make([]uuid.UUID, 0, len(candidates)),
	}
	for _, c := range candidates {
		payout.OrderIDs = append(payout.OrderIDs, c.Order.ID)
	}

	if err := a.payouts.Create(ctx, dbTx, payout); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			return nil, apperror.ErrConflict(fmt.Sprintf("payout %s already exists", payout.ID))
		}
		return nil, dbError(err)
	}
	if err := a.payouts.AddOrders(ctx, dbTx, payout.ID, payout.OrderIDs); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			return nil, apperror.ErrAlreadyInPayout()
		}
		return nil, dbError(err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, dbError(fmt.Errorf("commit tx: %w", err))
	}

	a.log.Info().
		Str("payout_id", payout.ID.String()).
		Str("seller_id", payout.SellerID.String()).
		Str("currency", string(payout.Currency)).
		Int("orders", len(payout.OrderIDs)).
		Str("gross", payout.GrossAmount.String()).
		Str("fees", payout.FeeAmount.String()).
		Str("net", payout.NetAmount.String()).
		Msg("payout initiated")
	return payout, nil
}

func validateAggregate(req AggregateRequest) error {
	switch {
	case req.SellerID == uuid.Nil:
		return apperror.Validation("seller_id is required")
	case !req.Currency.IsValid():
		return apperror.ErrUnknownCurrency(string(req.Currency))
	case !req.TargetType.IsValid():
		return apperror.Validation(fmt.Sprintf("unknown target type %q", req.TargetType))
	case req.TargetType == domain.PayoutTargetWallet && (req.WalletAddress == nil || *req.WalletAddress == ""):
		return apperror.Validation("wallet_address is required for wallet payouts")
	case req.BlockchainFee.IsNegative():
		return apperror.Validation("blockchain_fee must not be negative")
	}
	return nil
}

// checkRequested makes sure every explicitly listed order is eligible.
func (a *PayoutAggregator) checkRequested(ctx context.Context, tx pgx.Tx, requested []uuid.UUID, candidates []ports.PayoutCandidate) error {
	eligible := make(map[uuid.UUID]struct{}, len(candidates))
	for _, c := range candidates {
		eligible[c.Order.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range requested {
		if _, ok := eligible[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	taken, err := a.payouts.OrdersInPayout(ctx, tx, missing)
	if err != nil {
		return dbError(err)
	}
	if len(taken) > 0 {
		return apperror.ErrAlreadyInPayout()
	}
	return apperror.Validation(fmt.Sprintf("order %s is not eligible for payout", missing[0]))
}

// payoutLines converts each candidate at its locked rate, rounding up as the
// buyer was charged.
func payoutLines(candidates []ports.PayoutCandidate) []domain.PayoutLine {
	lines := make([]domain.PayoutLine, 0, len(candidates))
	for _, c := range candidates {
		lines = append(lines, domain.PayoutLine{
			OrderID: c.Order.ID,
			Gross:   c.Order.TotalAmount.MulCeil(c.Rate),
			Fee:     c.FeeAmount,
		})
	}
	return lines
}

// Preview computes what a payout over every eligible order would look like,
// without locking or writing anything.
func (a *PayoutAggregator) Preview(ctx context.Context, sellerID uuid.UUID, currency domain.Currency) (*domain.PayoutTotals, error) {
	if !currency.IsValid() {
		return nil, apperror.ErrUnknownCurrency(string(currency))
	}
	candidates, err := a.orders.ListPayoutCandidates(ctx, nil, ports.PayoutCandidateParams{
		SellerID: sellerID,
		Currency: currency,
	})
	if err != nil {
		return nil, dbError(err)
	}

	// A negative net is still reported so the caller can see why a payout would fail.
	totals, _ := domain.ComputePayoutTotals(payoutLines(candidates), domain.ZeroAmount)
	return &totals, nil
}

// Get returns a payout with its order ids.
func (a *PayoutAggregator) Get(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	payout, err := a.payouts.GetByID(ctx, id)
	if err != nil {
		return nil, dbError(err)
	}
	if payout == nil {
		return nil, apperror.ErrNotFound("payout")
	}
	return payout, nil
}

// HandlePayoutRequested runs Aggregate for an event. A payout that already
// exists under the requested id means the event is a replay.
func (a *PayoutAggregator) HandlePayoutRequested(ctx context.Context, e *domain.PayoutRequested) error {
	existing, err := a.payouts.GetByID(ctx, e.PayoutID)
	if err != nil {
		return dbError(err)
	}
	if existing != nil {
		a.log.Debug().Str("payout_id", e.PayoutID.String()).Msg("payout already exists, request ignored")
		return nil
	}

	_, err = a.Aggregate(ctx, AggregateRequest{
		PayoutID:      e.PayoutID,
		SellerID:      e.SellerID,
		Currency:      e.Currency,
		OrderIDs:      e.OrderIDs,
		TargetType:    e.TargetType,
		WalletAddress: e.WalletAddress,
		BlockchainFee: e.BlockchainFee,
	})
	return err
}

// HandleTransferConfirmed completes a payout once. A replay is a no-op.
func (a *PayoutAggregator) HandleTransferConfirmed(ctx context.Context, e *domain.PayoutTransferConfirmed) error {
	dbTx, err := a.transactor.Begin(ctx)
	if err != nil {
		return dbError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	payout, err := a.payouts.GetByIDForUpdate(ctx, dbTx, e.PayoutID)
	if err != nil {
		return dbError(err)
	}
	if payout == nil {
		return apperror.ErrNotFound("payout")
	}
	if payout.IsCompleted() {
		a.log.Debug().Str("payout_id", payout.ID.String()).Msg("payout already completed")
		return nil
	}

	at := e.ConfirmedAt
	if at.IsZero() {
		at = a.now()
	}
	if err := payout.Complete(at.UTC(), e.TransferRef); err != nil {
		return apperror.ErrConflict(err.Error())
	}
	if err := a.payouts.MarkCompleted(ctx, dbTx, payout); err != nil {
		return dbError(err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return dbError(fmt.Errorf("commit tx: %w", err))
	}

	a.log.Info().
		Str("payout_id", payout.ID.String()).
		Str("transfer_ref", e.TransferRef).
		Msg("payout completed")
	return nil
}
