// Package reconciliation checks that every account balance equals the sum of
// its ledger postings.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/outbox"
)

// Ledger is the slice of ledger.Store the runner reads.
type Ledger interface {
	ListAccounts(ctx context.Context) ([]*ledger.Account, error)
	SumAmounts(ctx context.Context, accountID string) (int64, error)
}

// FailedEvents lists outbox events waiting for manual remediation.
type FailedEvents interface {
	ListFailed(ctx context.Context, limit int) ([]*outbox.Event, error)
}

// Mismatch is an account whose balance disagrees with its postings.
type Mismatch struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
	Postings  int64  `json:"postings"`
	Diff      int64  `json:"diff"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Accounts     int           `json:"accounts"`
	Mismatches   []Mismatch    `json:"mismatches"`
	FailedEvents int           `json:"failedEvents"`
	Duration     time.Duration `json:"duration"`
	CheckedAt    time.Time     `json:"checkedAt"`
}

// OK reports whether the run found nothing to remediate.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// maxFailedScan caps how many failed events one run counts.
const maxFailedScan = 1000

// Runner performs reconciliation checks.
type Runner struct {
	ledger Ledger
	events FailedEvents
	logger *slog.Logger
}

// NewRunner creates a runner. events may be nil.
func NewRunner(l Ledger, events FailedEvents, logger *slog.Logger) *Runner {
	return &Runner{ledger: l, events: events, logger: logger}
}

// RunAll checks every account and counts failed outbox events.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	accounts, err := r.ledger.ListAccounts(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	report := &Report{Accounts: len(accounts), Mismatches: []Mismatch{}, CheckedAt: start}
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, err := r.ledger.SumAmounts(ctx, acct.ID)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("sum postings for %s: %w", acct.ID, err)
		}
		if sum != acct.Balance {
			m := Mismatch{AccountID: acct.ID, Balance: acct.Balance, Postings: sum, Diff: acct.Balance - sum}
			report.Mismatches = append(report.Mismatches, m)
			r.logger.Error("ledger mismatch", "account_id", acct.ID,
				"balance", acct.Balance, "postings", sum, "diff", m.Diff)
		}
	}

	if r.events != nil {
		failed, err := r.events.ListFailed(ctx, maxFailedScan)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list failed events: %w", err)
		}
		report.FailedEvents = len(failed)
		if len(failed) > 0 {
			r.logger.Warn("outbox events awaiting remediation", "count", len(failed))
		}
	}

	report.Duration = time.Since(start)
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileFailedEvents.Set(float64(report.FailedEvents))
	reconcileAccounts.Set(float64(report.Accounts))
	r.logger.Info("reconciliation complete", "accounts", report.Accounts,
		"mismatches", len(report.Mismatches), "failed_events", report.FailedEvents,
		"duration", report.Duration)
	return report, nil
}
