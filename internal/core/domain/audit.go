package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction is an operator action recorded in the audit log.
type AuditAction string

const (
	AuditActionCreateInvoice   AuditAction = "CREATE_INVOICE"
	AuditActionStartPayment    AuditAction = "START_PAYMENT"
	AuditActionConfirmPayment  AuditAction = "CONFIRM_PAYMENT"
	AuditActionRefreshPayment  AuditAction = "REFRESH_PAYMENT"
	AuditActionRequestRateLock AuditAction = "REQUEST_RATE_LOCK"
	AuditActionRequestPayout   AuditAction = "REQUEST_PAYOUT"
	AuditActionConfirmPayout   AuditAction = "CONFIRM_PAYOUT"
	AuditActionRequeueEvent    AuditAction = "REQUEUE_EVENT"
)

// AuditLog records a single audited action.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Details      string      `json:"details,omitempty"` // JSON string
	IPAddress    string      `json:"ip_address"`
	CreatedAt    time.Time   `json:"created_at"`
}
