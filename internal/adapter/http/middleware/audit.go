package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CtxResourceID lets a handler name the resource it created for the audit entry.
const CtxResourceID = "audit_resource_id"

type auditRoute struct {
	action       domain.AuditAction
	resourceType string
	param        string
}

// auditRoutes maps registered route templates to audit actions.
var auditRoutes = map[string]auditRoute{
	"POST /api/v1/invoices":                    {domain.AuditActionCreateInvoice, "invoice", ""},
	"POST /api/v1/invoices/:id/payments":       {domain.AuditActionStartPayment, "invoice", "id"},
	"POST /api/v1/payments/:intent_id/confirm": {domain.AuditActionConfirmPayment, "payment_intent", "intent_id"},
	"POST /api/v1/payments/:intent_id/refresh": {domain.AuditActionRefreshPayment, "payment_intent", "intent_id"},
	"POST /api/v1/orders/:id/rate-lock":        {domain.AuditActionRequestRateLock, "order", "id"},
	"POST /api/v1/payouts":                     {domain.AuditActionRequestPayout, "payout", ""},
	"POST /api/v1/payouts/:id/confirm":         {domain.AuditActionConfirmPayout, "payout", "id"},
	"POST /api/v1/events/:id/requeue":          {domain.AuditActionRequeueEvent, "event", "id"},
}

// AuditLog creates an audit middleware that logs successful write operations.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}

		route, ok := auditRoutes[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return
		}

		resourceID := c.GetString(CtxResourceID)
		if route.param != "" {
			resourceID = c.Param(route.param)
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"request_id": c.GetString(response.CtxRequestID),
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			ID:           uuid.New(),
			Action:       route.action,
			ResourceType: route.resourceType,
			ResourceID:   resourceID,
			IPAddress:    c.ClientIP(),
			Details:      string(details),
			CreatedAt:    time.Now(),
		})
	}
}
