package api

import (
	"time"

	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/settlement"
)

// Views render minor units as decimal strings.

type accountView struct {
	ID                string    `json:"id"`
	Balance           string    `json:"balance"`
	Version           int64     `json:"version"`
	ExternalAccountID string    `json:"externalAccountId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func viewAccount(a *ledger.Account) *accountView {
	if a == nil {
		return nil
	}
	return &accountView{
		ID:                a.ID,
		Balance:           money.Format(a.Balance),
		Version:           a.Version,
		ExternalAccountID: a.ExternalAccountID,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

type transactionView struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"accountId"`
	Type         ledger.TxType     `json:"type"`
	Amount       string            `json:"amount"`
	Status       ledger.TxStatus   `json:"status"`
	BountyID     string            `json:"bountyId,omitempty"`
	ExternalRef  string            `json:"externalRef,omitempty"`
	RelatedTxID  string            `json:"relatedTxId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	BalanceAfter string            `json:"balanceAfter"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// signed formats a signed amount; money.Format handles the magnitude.
func signed(v int64) string {
	if v < 0 {
		return "-" + money.Format(-v)
	}
	return money.Format(v)
}

func viewTransaction(t *ledger.Transaction) *transactionView {
	if t == nil {
		return nil
	}
	return &transactionView{
		ID:           t.ID,
		AccountID:    t.AccountID,
		Type:         t.Type,
		Amount:       signed(t.Amount),
		Status:       t.Status,
		BountyID:     t.BountyID,
		ExternalRef:  t.ExternalRef,
		RelatedTxID:  t.RelatedTxID,
		Metadata:     t.Metadata,
		BalanceAfter: money.Format(t.BalanceAfter),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func viewTransactions(txs []*ledger.Transaction) []*transactionView {
	out := make([]*transactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, viewTransaction(t))
	}
	return out
}

type holdView struct {
	BountyID       string        `json:"bountyId"`
	PayerID        string        `json:"payerId"`
	PayeeID        string        `json:"payeeId,omitempty"`
	Amount         string        `json:"amount"`
	Status         escrow.Status `json:"status"`
	HoldTxID       string        `json:"holdTxId"`
	ResolutionTxID string        `json:"resolutionTxId,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
}

func viewHold(h *escrow.Hold) *holdView {
	if h == nil {
		return nil
	}
	return &holdView{
		BountyID:       h.BountyID,
		PayerID:        h.PayerID,
		PayeeID:        h.PayeeID,
		Amount:         money.Format(h.Amount),
		Status:         h.Status,
		HoldTxID:       h.HoldTxID,
		ResolutionTxID: h.ResolutionTxID,
		Reason:         h.Reason,
		CreatedAt:      h.CreatedAt,
		UpdatedAt:      h.UpdatedAt,
		ResolvedAt:     h.ResolvedAt,
	}
}

type payoutView struct {
	TransactionID string `json:"transactionId"`
	EventID       string `json:"eventId"`
	AccountID     string `json:"accountId"`
	Amount        string `json:"amount"`
	Destination   string `json:"destination,omitempty"`
	PaymentRef    string `json:"paymentRef,omitempty"`
	Status        string `json:"status"`
}

func viewPayout(p *settlement.Payout) *payoutView {
	if p == nil {
		return nil
	}
	return &payoutView{
		TransactionID: p.TransactionID,
		EventID:       p.EventID,
		AccountID:     p.AccountID,
		Amount:        money.Format(p.Amount),
		Destination:   p.Destination,
		PaymentRef:    p.PaymentRef,
		Status:        p.Status,
	}
}
