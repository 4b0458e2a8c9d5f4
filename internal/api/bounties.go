package api

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/settlement"
	"github.com/mbd888/bountypay/internal/validation"
)

func completionBody(c *settlement.Completion) gin.H {
	body := gin.H{
		"escrow":      viewHold(c.Hold),
		"transaction": viewTransaction(c.Transaction),
	}
	if c.Payout != nil {
		body["payout"] = viewPayout(c.Payout)
	}
	return body
}

type completeRequest struct {
	PayeeID string `json:"payeeId"`
}

// CompleteWork handles POST /v1/bounties/:bountyId/complete. A duplicate
// trigger for an already released bounty returns the original outcome.
func (h *Handler) CompleteWork(c *gin.Context) {
	var req completeRequest
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

	out, err := h.settlement.CompleteWork(c.Request.Context(), settlement.WorkCompleted{
		BountyID:       c.Param("bountyId"),
		PayeeID:        req.PayeeID,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(replayedOK(c, out.Replayed), completionBody(out))
}

type cancelRequest struct {
	PayerID    string `json:"payerId"`
	Reason     string `json:"reason"`
	PaymentRef string `json:"paymentRef"`
}

// CancelWork handles POST /v1/bounties/:bountyId/cancel
func (h *Handler) CancelWork(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("payerId", req.PayerID),
		validation.ValidID("payerId", req.PayerID),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
		validation.ValidID("paymentRef", req.PaymentRef),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	out, err := h.settlement.CancelWork(c.Request.Context(), settlement.WorkCancelled{
		BountyID:       c.Param("bountyId"),
		PayerID:        req.PayerID,
		Reason:         validation.SanitizeString(req.Reason, validation.MaxStringLength),
		PaymentRef:     req.PaymentRef,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(replayedOK(c, out.Replayed), completionBody(out))
}
