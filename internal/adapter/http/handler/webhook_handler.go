package handler

import (
	"io"

	"settlement-engine/internal/adapter/gateway"
	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// WebhookHandler turns signed gateway notifications into stored events.
type WebhookHandler struct {
	events ports.EventStore
	log    zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(events ports.EventStore, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{events: events, log: log.With().Str("component", "webhook").Logger()}
}

// Receive handles POST /webhooks/gateway. The gateway event id is the
// dedup key, so redelivered webhooks return the original event id.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	wh, err := gateway.DecodeWebhook(body)
	if err != nil {
		response.Error(c, apperror.ErrMalformedEvent(err))
		return
	}
	if wh.Invalid != nil {
		h.storeDead(c, wh, body)
		return
	}
	if wh.Payload == nil {
		h.log.Debug().Str("gateway_event", wh.ID).Str("type", wh.Type).Msg("ignoring webhook type")
		response.OK(c, dto.WebhookResponse{Received: true})
		return
	}

	eventID, err := h.events.Append(c.Request.Context(), wh.Payload, wh.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.log.Info().
		Str("gateway_event", wh.ID).
		Str("type", wh.Type).
		Int64("event_id", eventID).
		Msg("webhook stored")
	response.OK(c, dto.WebhookResponse{EventID: eventID, Received: true})
}

// storeDead keeps a signed webhook whose object is unusable as a dead event,
// so it reaches the alert channel, and acknowledges it so the gateway stops
// redelivering.
func (h *WebhookHandler) storeDead(c *gin.Context, wh *gateway.Webhook, body []byte) {
	eventID, err := h.events.AppendDead(c.Request.Context(), wh.Kind, body, wh.ID, wh.Invalid.Error())
	if err != nil {
		response.Error(c, err)
		return
	}

	h.log.Warn().
		Err(wh.Invalid).
		Str("gateway_event", wh.ID).
		Str("type", wh.Type).
		Int64("event_id", eventID).
		Msg("invalid webhook stored as dead")
	response.OK(c, dto.WebhookResponse{EventID: eventID, Received: true})
}
