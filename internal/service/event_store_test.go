package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports/mocks"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var storeNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestEventStore(t *testing.T, maxAttempts int) (*EventStoreService, *memStore, *mocks.MockDeadEventNotifier) {
	t.Helper()
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockDeadEventNotifier(ctrl)
	store := newMemStore()
	svc := NewEventStore(fakeEventRepo{store}, &fakeTransactor{store: store}, nil, notifier, EventStoreConfig{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		StuckAfter:  5 * time.Minute,
	}, newTestLogger())
	svc.now = func() time.Time { return storeNow }
	return svc, store, notifier
}

func claimOne(t *testing.T, svc *EventStoreService) domain.Event {
	t.Helper()
	events, err := svc.ClaimBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

// ==================== Append ====================

func TestEventStore_Append_DuplicateExternalID(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)
	ctx := context.Background()
	payload := &domain.InvoicePaid{InvoiceID: uuid.New(), PaidAt: storeNow}

	id1, err := svc.Append(ctx, payload, "evt_123")
	require.NoError(t, err)
	id2, err := svc.Append(ctx, payload, "evt_123")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, store.events, 1)
	assert.Equal(t, domain.EventNew, store.events[0].Status)
}

func TestEventStore_Append_WithoutExternalIDAlwaysInserts(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)
	ctx := context.Background()

	_, err := svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)
	_, err = svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)

	assert.Len(t, store.events, 2)
}

func TestEventStore_Append_MalformedPayload(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)

	_, err := svc.Append(context.Background(), &domain.RateLockRequested{}, "")

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "EVT_001", appErr.Code)
	assert.Empty(t, store.events)
}

func TestEventStore_Append_DBError(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)
	store.failOn("events.Insert", errors.New("connection refused"))

	_, err := svc.Append(context.Background(), &domain.Noop{}, "evt_1")

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SYS_001", appErr.Code)
}

func TestEventStore_Append_DedupCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	store := newMemStore()
	svc := NewEventStore(fakeEventRepo{store}, &fakeTransactor{store: store}, cache, nil,
		EventStoreConfig{MaxAttempts: 5, DedupTTL: time.Hour}, newTestLogger())
	ctx := context.Background()

	// First delivery: miss, insert, remember.
	cache.EXPECT().Get(ctx, "evt_9").Return(nil, nil)
	cache.EXPECT().Set(ctx, "evt_9", []byte("1"), time.Hour).Return(nil)
	id, err := svc.Append(ctx, &domain.Noop{}, "evt_9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	// Redelivery: answered from cache, the repository is not touched.
	store.failOn("events.Insert", errors.New("must not be called"))
	cache.EXPECT().Get(ctx, "evt_9").Return([]byte("1"), nil)
	id, err = svc.Append(ctx, &domain.Noop{}, "evt_9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestEventStore_Append_CacheErrorFallsThroughToDB(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	store := newMemStore()
	svc := NewEventStore(fakeEventRepo{store}, &fakeTransactor{store: store}, cache, nil,
		EventStoreConfig{MaxAttempts: 5, DedupTTL: time.Hour}, newTestLogger())
	ctx := context.Background()

	cache.EXPECT().Get(ctx, "evt_9").Return(nil, errors.New("redis down"))
	cache.EXPECT().Set(ctx, "evt_9", gomock.Any(), time.Hour).Return(errors.New("redis down"))

	_, err := svc.Append(ctx, &domain.Noop{}, "evt_9")
	require.NoError(t, err)
	assert.Len(t, store.events, 1)
}

func TestEventStore_AppendDead(t *testing.T) {
	svc, store, notifier := newTestEventStore(t, 5)
	ctx := context.Background()
	raw := []byte(`{"id":"evt_bad","type":"transfer.received"}`)

	notifier.EXPECT().NotifyDead(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, dead *domain.Event) error {
			assert.Equal(t, domain.EventDead, dead.Status)
			assert.Equal(t, domain.EventKindFundsReceived, dead.Kind)
			require.NotNil(t, dead.LastError)
			assert.Equal(t, "unknown currency", *dead.LastError)
			return nil
		},
	).Times(1)

	id, err := svc.AppendDead(ctx, domain.EventKindFundsReceived, raw, "evt_bad", "unknown currency")
	require.NoError(t, err)

	// Redelivery of the same webhook neither stores nor alerts again.
	again, err := svc.AppendDead(ctx, domain.EventKindFundsReceived, raw, "evt_bad", "unknown currency")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.Len(t, store.events, 1)
	stored := store.events[0]
	assert.Equal(t, domain.EventDead, stored.Status)
	assert.Zero(t, stored.AttemptCount)
	assert.JSONEq(t, string(raw), string(stored.Raw))

	// Dead on arrival: never claimed, listed for operators.
	events, err := svc.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	dead, err := svc.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestEventStore_AppendDead_DBError(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)
	store.failOn("events.Insert", errors.New("conn refused"))

	_, err := svc.AppendDead(context.Background(), domain.EventKindFundsReceived, []byte(`{}`), "evt_x", "bad")
	assert.Equal(t, "SYS_001", appCode(t, err))
}

// ==================== Claim / Complete ====================

func TestEventStore_ClaimBatch_DecodesPayload(t *testing.T) {
	svc, _, _ := newTestEventStore(t, 5)
	ctx := context.Background()
	orderID := uuid.New()

	_, err := svc.Append(ctx, &domain.RateLockRequested{OrderID: orderID}, "")
	require.NoError(t, err)

	e := claimOne(t, svc)
	assert.Equal(t, domain.EventProcessing, e.Status)
	require.IsType(t, &domain.RateLockRequested{}, e.Payload)
	assert.Equal(t, orderID, e.Payload.(*domain.RateLockRequested).OrderID)

	// Claimed events are not handed out twice.
	again, err := svc.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, svc.Complete(ctx, e.ID))
	stored, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventDone, stored.Status)
}

func TestEventStore_ClaimBatch_KillsUndecodable(t *testing.T) {
	svc, store, notifier := newTestEventStore(t, 5)
	ctx := context.Background()

	store.events = append(store.events,
		domain.Event{ID: 1, Kind: domain.EventKindPaymentIntentSucceeded, Raw: json.RawMessage(`{"intent":{}}`), Status: domain.EventNew},
		domain.Event{ID: 2, Kind: "mystery.kind", Raw: json.RawMessage(`{}`), Status: domain.EventNew},
		domain.Event{ID: 3, Kind: domain.EventKindNoop, Raw: json.RawMessage(`{}`), Status: domain.EventNew},
	)
	notifier.EXPECT().NotifyDead(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	events, err := svc.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].ID)

	dead, err := svc.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, 0, dead[0].AttemptCount, "killing must not spend retry budget")
}

// ==================== Fail / Kill ====================

func TestEventStore_Fail_SchedulesRetryWithBackoff(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)
	ctx := context.Background()
	_, err := svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)

	e := claimOne(t, svc)
	require.NoError(t, svc.Fail(ctx, e.ID, "gateway timeout"))

	stored := store.events[0]
	assert.Equal(t, domain.EventFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "gateway timeout", *stored.LastError)
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, storeNow.Add(time.Second), *stored.NextAttemptAt)

	// Not due yet.
	events, err := svc.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Due after the backoff.
	svc.now = func() time.Time { return storeNow.Add(2 * time.Second) }
	e = claimOne(t, svc)
	require.NoError(t, svc.Fail(ctx, e.ID, "gateway timeout"))
	assert.Equal(t, storeNow.Add(2*time.Second).Add(2*time.Second), *store.events[0].NextAttemptAt)
}

// Failing at the attempt limit moves the event to dead and alerts.
func TestEventStore_Fail_AtMaxAttemptsGoesDead(t *testing.T) {
	svc, store, notifier := newTestEventStore(t, 3)
	ctx := context.Background()
	_, err := svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)

	// Already at the last allowed attempt.
	store.events[0].AttemptCount = 2

	e := claimOne(t, svc)
	notifier.EXPECT().NotifyDead(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, dead *domain.Event) error {
			assert.Equal(t, e.ID, dead.ID)
			assert.Equal(t, domain.EventDead, dead.Status)
			assert.Equal(t, 3, dead.AttemptCount)
			return nil
		},
	)
	require.NoError(t, svc.Fail(ctx, e.ID, "still failing"))

	stored := store.events[0]
	assert.Equal(t, domain.EventDead, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)

	svc.now = func() time.Time { return storeNow.Add(24 * time.Hour) }
	events, err := svc.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "dead events are never claimed again")
}

func TestEventStore_Kill(t *testing.T) {
	svc, store, notifier := newTestEventStore(t, 5)
	ctx := context.Background()
	_, err := svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)

	e := claimOne(t, svc)
	notifier.EXPECT().NotifyDead(gomock.Any(), gomock.Any()).Return(errors.New("alert channel down"))
	require.NoError(t, svc.Kill(ctx, e.ID, "invoice not found"))

	assert.Equal(t, domain.EventDead, store.events[0].Status)
	assert.Equal(t, 0, store.events[0].AttemptCount)
}

func TestEventStore_Fail_IgnoresEventNotProcessing(t *testing.T) {
	svc, store, _ := newTestEventStore(t, 5)
	ctx := context.Background()
	_, err := svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, store.events[0].ID, "late failure"))
	assert.Equal(t, domain.EventNew, store.events[0].Status)
	assert.Equal(t, 0, store.events[0].AttemptCount)
}

func TestEventStore_Fail_UnknownEvent(t *testing.T) {
	svc, _, _ := newTestEventStore(t, 5)

	err := svc.Fail(context.Background(), 999, "x")

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "STL_004", appErr.Code)
}

func TestEventStore_Backoff(t *testing.T) {
	svc, _, _ := newTestEventStore(t, 10)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, svc.backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

// ==================== Operator surface ====================

func TestEventStore_ResetStuck(t *testing.T) {
	svc, store, notifier := newTestEventStore(t, 2)
	ctx := context.Background()
	for range 3 {
		_, err := svc.Append(ctx, &domain.Noop{}, "")
		require.NoError(t, err)
	}
	_, err := svc.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	store.events[1].AttemptCount = 1

	// Nothing is stuck yet.
	n, err := svc.ResetStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	notifier.EXPECT().NotifyDead(gomock.Any(), gomock.Any()).Return(nil)
	svc.now = func() time.Time { return storeNow.Add(10 * time.Minute) }
	n, err = svc.ResetStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, domain.EventFailed, store.events[0].Status)
	assert.Equal(t, 1, store.events[0].AttemptCount)
	assert.Equal(t, domain.EventDead, store.events[1].Status)
	assert.Equal(t, domain.EventNew, store.events[2].Status)
}

func TestEventStore_Requeue(t *testing.T) {
	svc, store, notifier := newTestEventStore(t, 5)
	ctx := context.Background()
	_, err := svc.Append(ctx, &domain.Noop{}, "")
	require.NoError(t, err)
	e := claimOne(t, svc)
	notifier.EXPECT().NotifyDead(gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(t, svc.Kill(ctx, e.ID, "operator needed"))

	require.NoError(t, svc.Requeue(ctx, e.ID))
	assert.Equal(t, domain.EventNew, store.events[0].Status)
	assert.Equal(t, 0, store.events[0].AttemptCount)

	// Only dead events can be requeued.
	err = svc.Requeue(ctx, e.ID)
	assert.True(t, apperror.IsConflict(err))

	err = svc.Requeue(ctx, 999)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "STL_004", appErr.Code)
}

func TestEventStore_Get_NotFound(t *testing.T) {
	svc, _, _ := newTestEventStore(t, 5)

	_, err := svc.Get(context.Background(), 1)
	assert.True(t, apperror.IsPermanent(err))
}
