package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type auditRepoFunc func(ctx context.Context, log *domain.AuditLog) error

func (f auditRepoFunc) Create(ctx context.Context, log *domain.AuditLog) error { return f(ctx, log) }

func TestAuditService_Log_PersistsToRepo(t *testing.T) {
	done := make(chan *domain.AuditLog, 1)
	svc := NewAuditService(auditRepoFunc(func(_ context.Context, log *domain.AuditLog) error {
		done <- log
		return nil
	}), newTestLogger())

	svc.Log(context.Background(), &domain.AuditLog{
		ID:           uuid.New(),
		Action:       domain.AuditActionRequeueEvent,
		ResourceType: "event",
		ResourceID:   "42",
		IPAddress:    "127.0.0.1",
		CreatedAt:    time.Now(),
	})

	select {
	case log := <-done:
		assert.Equal(t, domain.AuditActionRequeueEvent, log.Action)
		assert.Equal(t, "42", log.ResourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("audit log not persisted in time")
	}
}

func TestAuditService_Log_SurvivesCancelledRequest(t *testing.T) {
	done := make(chan error, 1)
	svc := NewAuditService(auditRepoFunc(func(ctx context.Context, _ *domain.AuditLog) error {
		done <- ctx.Err()
		return nil
	}), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Log(ctx, &domain.AuditLog{ID: uuid.New(), Action: domain.AuditActionConfirmPayout, ResourceType: "payout"})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("audit log not persisted in time")
	}
}

func TestAuditService_Log_RepoError(t *testing.T) {
	done := make(chan struct{})
	svc := NewAuditService(auditRepoFunc(func(context.Context, *domain.AuditLog) error {
		defer close(done)
		return errors.New("db down")
	}), newTestLogger())

	svc.Log(context.Background(), &domain.AuditLog{ID: uuid.New(), Action: domain.AuditActionCreateInvoice})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("audit repo not called")
	}
}

func TestAuditService_Log_NilRepo(t *testing.T) {
	svc := NewAuditService(nil, newTestLogger())

	// Should not panic
	svc.Log(context.Background(), &domain.AuditLog{
		ID:           uuid.New(),
		Action:       domain.AuditActionRequestPayout,
		ResourceType: "payout",
		IPAddress:    "127.0.0.1",
		CreatedAt:    time.Now(),
	})

	time.Sleep(50 * time.Millisecond) // let goroutine run
}
