package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// PeriodKey is the accrual period containing t: its UTC calendar date.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// RunDailyInterest credits vault interest to every funded account once per
// period. A completed period, or one another runner claimed recently, is
// skipped. A stale claim is taken over; accounts already credited in the
// period are left alone.
func (e *Engine) RunDailyInterest(ctx context.Context) (sum JobSummary, err error) {
	pol := e.policy.Policy()
	now := e.now()
	period := PeriodKey(now)
	sum = JobSummary{Job: JobInterest, StartedAt: now}
	defer func() { e.finishJob(&sum, err) }()

	claimed, err := e.store.ClaimInterestRun(ctx, period, now, now.Add(-pol.InterestStaleAfter.Duration))
	if err != nil {
		return sum, fmt.Errorf("claim interest run %s: %w", period, err)
	}
	if !claimed {
		sum.Skipped = true
		return sum, nil
	}

	rate := pol.VaultInterestRate
	after := ""
	for {
		ids, err := e.store.ListFundedAccountIDs(ctx, after, pol.BatchSize)
		if err != nil {
			return sum, fmt.Errorf("list funded accounts: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			amount, err := e.accrue(ctx, id, period, rate, now)
			switch {
			case err != nil:
				e.log.Warn("interest accrual failed", "account_id", id, "period", period, "error", err)
				sum.failed(id, err)
			case amount > 0:
				sum.processed(amount)
			}
		}
		if len(ids) < pol.BatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	completed := e.now()
	err = e.store.CompleteInterestRun(ctx, models.InterestRun{
		PeriodKey:      period,
		CompletedAt:    &completed,
		ProcessedCount: sum.ProcessedCount,
		TotalAmount:    sum.TotalAmount,
		ErrorCount:     sum.ErrorCount,
	})
	if err != nil {
		return sum, fmt.Errorf("complete interest run %s: %w", period, err)
	}
	return sum, nil
}

// accrue credits one account's interest for period and returns the amount,
// zero when nothing was due or it was already credited.
func (e *Engine) accrue(ctx context.Context, accountID, period string, rate decimal.Decimal, now time.Time) (int64, error) {
	ref := refnum.Interest + "-" + period + "-" + accountID
	var amount int64
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.EntryByReference(ctx, ref); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		accts, err := lockAccounts(ctx, tx, accountID)
		if err != nil {
			return err
		}
		acct := accts[accountID]
		if !acct.Active {
			return nil
		}
		interest := models.FloorRate(acct.LiquidBalance, rate)
		if interest <= 0 {
			return nil
		}
		snapshot := acct.LiquidBalance
		if _, err := credit(ctx, tx, acct, models.BucketLiquid, posting{
			Type:     models.EntryVaultInterest,
			Amount:   interest,
			Ref:      ref,
			Metadata: map[string]string{"period": period, "rate": rate.String()},
		}, now); err != nil {
			return err
		}
		if err := tx.InsertInterestRecord(ctx, &models.InterestRecord{
			AccountID:       accountID,
			PeriodKey:       period,
			BalanceSnapshot: snapshot,
			Rate:            rate,
			Amount:          interest,
			ReferenceNumber: ref,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("record interest: %w", err)
		}
		amount = interest
		return nil
	})
	return amount, err
}
