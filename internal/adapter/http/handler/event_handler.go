package handler

import (
	"strconv"

	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

const defaultDeadLimit = 100

// EventHandler exposes dead events to operators.
type EventHandler struct {
	events ports.EventStore
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(events ports.EventStore) *EventHandler {
	return &EventHandler{events: events}
}

// ListDead handles GET /api/v1/events/dead.
func (h *EventHandler) ListDead(c *gin.Context) {
	var q dto.ListDeadQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultDeadLimit
	}

	events, err := h.events.ListDead(c.Request.Context(), q.Limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, events)
}

// Requeue handles POST /api/v1/events/:id/requeue.
func (h *EventHandler) Requeue(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		response.Error(c, apperror.Validation("invalid event id"))
		return
	}

	if err := h.events.Requeue(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.AcceptedResponse{EventID: id})
}
