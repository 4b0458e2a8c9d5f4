package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/settlement"
	"github.com/mbd888/bountypay/internal/validation"
)

type openAccountRequest struct {
	ID                string `json:"id"`
	ExternalAccountID string `json:"externalAccountId"`
}

// OpenAccount handles POST /v1/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidID("id", req.ID),
		validation.MaxLength("externalAccountId", req.ExternalAccountID, validation.MaxIDLength),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}

	ctx := c.Request.Context()
	acct, err := h.ledger.OpenAccount(ctx, req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.ExternalAccountID != "" {
		if acct, err = h.ledger.LinkExternalAccount(ctx, acct.ID, req.ExternalAccountID); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"account": viewAccount(acct)})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": viewAccount(acct)})
}

type linkRequest struct {
	ExternalAccountID string `json:"externalAccountId"`
}

// LinkExternalAccount handles PUT /v1/accounts/:id/external-account
func (h *Handler) LinkExternalAccount(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("externalAccountId", req.ExternalAccountID),
		validation.MaxLength("externalAccountId", req.ExternalAccountID, validation.MaxIDLength),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	acct, err := h.ledger.LinkExternalAccount(c.Request.Context(), c.Param("id"), req.ExternalAccountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": viewAccount(acct)})
}

// ListTransactions handles GET /v1/accounts/:id/transactions?cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, next, err := h.ledger.History(c.Request.Context(), c.Param("id"), c.Query("cursor"), queryLimit(c, 50, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": viewTransactions(txs),
		"count":        len(txs),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// ListEscrows handles GET /v1/accounts/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	holds, err := h.escrow.ListByPayer(c.Request.Context(), c.Param("id"), queryLimit(c, 50, 200))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]*holdView, 0, len(holds))
	for _, hold := range holds {
		out = append(out, viewHold(hold))
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out, "count": len(out)})
}

type depositRequest struct {
	Amount      string `json:"amount"`
	ExternalRef string `json:"externalRef"`
}

// Deposit handles POST /v1/accounts/:id/deposits. externalRef is the
// processor charge id; a repeated notification for it replays the first credit.
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("externalRef", req.ExternalRef),
		validation.MaxLength("externalRef", req.ExternalRef, validation.MaxIDLength),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	amount, _ := money.ParsePositive(req.Amount)

	res, err := h.settlement.Deposit(c.Request.Context(), settlement.DepositRequest{
		AccountID:      c.Param("id"),
		Amount:         amount,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(created(c, res.Replayed), gin.H{
		"account":     viewAccount(res.Account),
		"transaction": viewTransaction(res.Transaction),
	})
}

type withdrawRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// Withdraw handles POST /v1/accounts/:id/withdrawals. The response is 202:
// the transfer settles asynchronously.
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidID("reference", req.Reference),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	amount, _ := money.ParsePositive(req.Amount)

	p, err := h.settlement.Withdraw(c.Request.Context(), settlement.WithdrawRequest{
		AccountID:      c.Param("id"),
		Amount:         amount,
		Reference:      req.Reference,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"payout": viewPayout(p)})
}
