package handler

import (
	"strings"

	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

// PaymentHandler drives gateway payment intents.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc}
}

// ConfirmPayment handles POST /api/v1/payments/:intent_id/confirm.
func (h *PaymentHandler) ConfirmPayment(c *gin.Context) {
	intentID, ok := intentParam(c)
	if !ok {
		return
	}

	snap, err := h.paymentSvc.ConfirmPayment(c.Request.Context(), intentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, snap)
}

// RefreshPayment handles POST /api/v1/payments/:intent_id/refresh.
func (h *PaymentHandler) RefreshPayment(c *gin.Context) {
	intentID, ok := intentParam(c)
	if !ok {
		return
	}

	snap, err := h.paymentSvc.RefreshPayment(c.Request.Context(), intentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, snap)
}

func intentParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("intent_id"))
	if id == "" || len(id) > 255 {
		response.Error(c, apperror.Validation("invalid intent_id"))
		return "", false
	}
	return id, true
}
