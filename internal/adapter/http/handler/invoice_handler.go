package handler

import (
	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

// InvoiceHandler handles invoice and order endpoints.
type InvoiceHandler struct {
	invoiceSvc ports.InvoiceService
	paymentSvc ports.PaymentService
	events     ports.EventStore
}

// NewInvoiceHandler creates a new InvoiceHandler.
func NewInvoiceHandler(invoiceSvc ports.InvoiceService, paymentSvc ports.PaymentService, events ports.EventStore) *InvoiceHandler {
	return &InvoiceHandler{invoiceSvc: invoiceSvc, paymentSvc: paymentSvc, events: events}
}

// CreateInvoice handles POST /api/v1/invoices.
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req dto.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	in, err := req.ToPort()
	if err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	view, err := h.invoiceSvc.CreateInvoice(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Set(middleware.CtxResourceID, view.Invoice.ID.String())
	response.Created(c, view)
}

// GetInvoice handles GET /api/v1/invoices/:id.
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	view, err := h.invoiceSvc.GetInvoice(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, view)
}

// StartPayment handles POST /api/v1/invoices/:id/payments.
// The body is optional.
func (h *InvoiceHandler) StartPayment(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	var req dto.StartPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperror.Validation(err.Error()))
			return
		}
		dto.SanitizeStruct(&req)
	}

	result, err := h.paymentSvc.StartPayment(c.Request.Context(), id, req.ReceiptEmail)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, result)
}

// RequestRateLock handles POST /api/v1/orders/:id/rate-lock.
// The lock is taken by the event processor.
func (h *InvoiceHandler) RequestRateLock(c *gin.Context) {
	orderID, err := uuidParam(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	eventID, err := h.events.Append(c.Request.Context(), &domain.RateLockRequested{OrderID: orderID}, "")
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.AcceptedResponse{EventID: eventID, ResourceID: orderID.String()})
}
