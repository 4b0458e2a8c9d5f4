package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/validation"
)

type holdRequest struct {
	BountyID string `json:"bountyId"`
	PayerID  string `json:"payerId"`
	Amount   string `json:"amount"`
}

func outcomeBody(out *escrow.Outcome) gin.H {
	body := gin.H{
		"escrow":      viewHold(out.Hold),
		"transaction": viewTransaction(out.Transaction),
	}
	if out.FeeTransaction != nil {
		body["feeTransaction"] = viewTransaction(out.FeeTransaction)
	}
	return body
}

// Hold handles POST /v1/escrows
func (h *Handler) Hold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("bountyId", req.BountyID),
		validation.ValidID("bountyId", req.BountyID),
		validation.Required("payerId", req.PayerID),
		validation.ValidID("payerId", req.PayerID),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	amount, _ := money.ParsePositive(req.Amount)

	out, err := h.escrow.Hold(c.Request.Context(), escrow.HoldRequest{
		BountyID:       req.BountyID,
		PayerID:        req.PayerID,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(created(c, out.Replayed), outcomeBody(out))
}

// GetEscrow handles GET /v1/escrows/:bountyId
func (h *Handler) GetEscrow(c *gin.Context) {
	hold, err := h.escrow.Get(c.Request.Context(), c.Param("bountyId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": viewHold(hold)})
}

type releaseRequest struct {
	PayeeID string `json:"payeeId"`
}

// Release handles POST /v1/escrows/:bountyId/release
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("payeeId", req.PayeeID),
		validation.ValidID("payeeId", req.PayeeID),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	// The payee may be new to the platform.
	if _, err := h.ledger.EnsureAccount(ctx, req.PayeeID); err != nil {
		respondError(c, err)
		return
	}
	out, err := h.escrow.Release(ctx, escrow.ReleaseRequest{
		BountyID:       c.Param("bountyId"),
		PayeeID:        req.PayeeID,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(replayedOK(c, out.Replayed), outcomeBody(out))
}

type refundRequest struct {
	PayerID string `json:"payerId"`
	Reason  string `json:"reason"`
}

// Refund handles POST /v1/escrows/:bountyId/refund
func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("payerId", req.PayerID),
		validation.ValidID("payerId", req.PayerID),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	out, err := h.escrow.Refund(c.Request.Context(), escrow.RefundRequest{
		BountyID:       c.Param("bountyId"),
		PayerID:        req.PayerID,
		Reason:         validation.SanitizeString(req.Reason, validation.MaxStringLength),
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(replayedOK(c, out.Replayed), outcomeBody(out))
}
