package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListFailedEvents handles GET /v1/admin/outbox/failed
func (h *Handler) ListFailedEvents(c *gin.Context) {
	events, err := h.outbox.ListFailed(c.Request.Context(), queryLimit(c, 100, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /v1/admin/outbox/:id
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.outbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// RequeueEvent handles POST /v1/admin/outbox/:id/requeue
func (h *Handler) RequeueEvent(c *gin.Context) {
	ev, err := h.outbox.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}
