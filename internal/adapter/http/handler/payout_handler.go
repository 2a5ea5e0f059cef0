package handler

import (
	"time"

	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PayoutHandler handles seller payout endpoints.
type PayoutHandler struct {
	payoutSvc ports.PayoutService
	events    ports.EventStore
	now       func() time.Time
}

// NewPayoutHandler creates a new PayoutHandler.
func NewPayoutHandler(payoutSvc ports.PayoutService, events ports.EventStore) *PayoutHandler {
	return &PayoutHandler{payoutSvc: payoutSvc, events: events, now: time.Now}
}

// RequestPayout handles POST /api/v1/payouts. The payout id is assigned here
// so the caller can poll GET /api/v1/payouts/:id once the event is processed.
func (h *PayoutHandler) RequestPayout(c *gin.Context) {
	var req dto.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	payoutID := uuid.New()
	payload, err := req.ToEvent(payoutID)
	if err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	eventID, err := h.events.Append(c.Request.Context(), payload, "payout:"+payoutID.String())
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Set(middleware.CtxResourceID, payoutID.String())
	response.Accepted(c, dto.AcceptedResponse{EventID: eventID, ResourceID: payoutID.String()})
}

// PreviewPayout handles GET /api/v1/payouts/preview.
func (h *PayoutHandler) PreviewPayout(c *gin.Context) {
	var q dto.PreviewPayoutQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	sellerID, err := uuid.Parse(q.SellerID)
	if err != nil {
		response.Error(c, apperror.Validation("invalid seller_id"))
		return
	}
	currency, err := domain.ParseCurrency(q.Currency)
	if err != nil {
		response.Error(c, apperror.ErrUnknownCurrency(q.Currency))
		return
	}

	totals, err := h.payoutSvc.Preview(c.Request.Context(), sellerID, currency)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, totals)
}

// GetPayout handles GET /api/v1/payouts/:id.
func (h *PayoutHandler) GetPayout(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	payout, err := h.payoutSvc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, payout)
}

// ConfirmPayout handles POST /api/v1/payouts/:id/confirm.
func (h *PayoutHandler) ConfirmPayout(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	var req dto.ConfirmPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	payload := &domain.PayoutTransferConfirmed{
		PayoutID:    id,
		TransferRef: req.TransferRef,
		ConfirmedAt: h.now().UTC(),
	}
	eventID, err := h.events.Append(c.Request.Context(), payload, "payout:"+id.String()+":confirmed")
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.AcceptedResponse{EventID: eventID, ResourceID: id.String()})
}
