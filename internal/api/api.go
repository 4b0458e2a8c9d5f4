// Package api exposes the ledger, escrow and settlement operations over HTTP.
//
// Amounts are decimal strings ("100.00") on the wire and minor units inside.
// Mutating endpoints accept an optional Idempotency-Key header; without one
// the operation derives its own key from the request's natural identifiers.
// Replayed responses carry "Idempotent-Replayed: true".
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/outbox"
	"github.com/mbd888/bountypay/internal/settlement"
	"github.com/mbd888/bountypay/internal/validation"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxKeyLength         = 255
)

// Handler serves the /v1 API.
type Handler struct {
	ledger     *ledger.Ledger
	escrow     *escrow.Manager
	settlement *settlement.Orchestrator
	outbox     *outbox.Dispatcher
}

// NewHandler creates a handler over the domain services.
func NewHandler(l *ledger.Ledger, e *escrow.Manager, s *settlement.Orchestrator, d *outbox.Dispatcher) *Handler {
	return &Handler{ledger: l, escrow: e, settlement: s, outbox: d}
}

// RegisterRoutes sets up the caller-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts", validation.IDParamMiddleware("id"))
	accounts.POST("", h.OpenAccount)
	accounts.GET("/:id", h.GetAccount)
	accounts.PUT("/:id/external-account", h.LinkExternalAccount)
	accounts.GET("/:id/transactions", h.ListTransactions)
	accounts.GET("/:id/escrows", h.ListEscrows)
	accounts.POST("/:id/deposits", h.Deposit)
	accounts.POST("/:id/withdrawals", h.Withdraw)

	escrows := r.Group("/escrows", validation.IDParamMiddleware("bountyId"))
	escrows.POST("", h.Hold)
	escrows.GET("/:bountyId", h.GetEscrow)
	escrows.POST("/:bountyId/release", h.Release)
	escrows.POST("/:bountyId/refund", h.Refund)

	bounties := r.Group("/bounties", validation.IDParamMiddleware("bountyId"))
	bounties.POST("/:bountyId/complete", h.CompleteWork)
	bounties.POST("/:bountyId/cancel", h.CancelWork)
}

// RegisterAdminRoutes sets up outbox remediation routes. The caller applies
// authentication to r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/outbox/failed", h.ListFailedEvents)
	r.GET("/outbox/:id", h.GetEvent)
	r.POST("/outbox/:id/requeue", h.RequeueEvent)
}

// idempotencyKey returns the client-supplied key, or "" to let the
// operation derive one. ok is false after an error response was written.
func idempotencyKey(c *gin.Context) (key string, ok bool) {
	key = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	if errs := validation.Validate(validation.MaxLength(headerIdempotencyKey, key, maxKeyLength)); len(errs) > 0 {
		respondInvalid(c, errs)
		return "", false
	}
	return key, true
}

// created picks 201 for a fresh execution and 200 for a replay.
func created(c *gin.Context, replayed bool) int {
	if replayed {
		c.Header(headerReplayed, "true")
		return http.StatusOK
	}
	return http.StatusCreated
}

func replayedOK(c *gin.Context, replayed bool) int {
	if replayed {
		c.Header(headerReplayed, "true")
	}
	return http.StatusOK
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, max)
		}
	}
	return limit
}
