package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hongminglow/coop-ledger/internal/metrics"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// errNotDue marks a row another run already settled.
var errNotDue = errors.New("entry no longer due")

// RunClearingRelease settles every clearing entry whose delay has elapsed.
// Credits move from locked to liquid; debits already left liquid and only
// change status. Each entry settles in its own transaction.
func (e *Engine) RunClearingRelease(ctx context.Context) (sum JobSummary, err error) {
	pol := e.policy.Policy()
	now := e.now()
	sum = JobSummary{Job: JobClearing, StartedAt: now}
	defer func() { e.finishJob(&sum, err) }()

	after := ""
	for {
		ids, err := e.store.ListDueClearing(ctx, now, after, pol.BatchSize)
		if err != nil {
			return sum, fmt.Errorf("list due clearing: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			amount, err := e.releaseEntry(ctx, id, now)
			switch {
			case errors.Is(err, errNotDue):
			case err != nil:
				e.log.Warn("clearing release failed", "entry_id", id, "error", err)
				sum.failed(id, err)
			default:
				sum.processed(amount)
			}
		}
		if len(ids) < pol.BatchSize {
			return sum, nil
		}
		after = ids[len(ids)-1]
	}
}

func (e *Engine) releaseEntry(ctx context.Context, id string, now time.Time) (int64, error) {
	var amount int64
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		entry, err := tx.LockEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != models.StatusClearing || entry.ClearingEndsAt == nil || entry.ClearingEndsAt.After(now) {
			return errNotDue
		}
		accts, err := lockAccounts(ctx, tx, entry.AccountID)
		if err != nil {
			return err
		}
		acct := accts[entry.AccountID]

		if entry.IsCredit() {
			if acct.LockedBalance < entry.Amount {
				return fmt.Errorf("locked balance %d below clearing hold %d: %w", acct.LockedBalance, entry.Amount, ErrInsufficientFunds)
			}
			acct.Adjust(models.BucketLocked, -entry.Amount)
			acct.Adjust(entry.Bucket, entry.Amount)
			acct.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, acct); err != nil {
				return err
			}
		}
		entry.Status = models.StatusCompleted
		entry.ClearedAt = &now
		amount = abs(entry.Amount)
		return tx.UpdateEntryStatus(ctx, entry)
	})
	return amount, err
}

// ReverseClearing rejects a clearing deposit, withdrawal or internal
// transfer, for example after the payment rail bounced it. Balances return to
// where they were before the entry and the entry becomes reversed. A
// withdrawal fee is refunded from the reserve fund; an internal transfer
// reverses the recipient's side too.
func (e *Engine) ReverseClearing(ctx context.Context, ref, reason string) (res EntryResult, err error) {
	defer func(started time.Time) { e.finish(OpReverse, started, false, err) }(time.Now())

	now := e.now()
	ref = refnum.Normalize(ref)
	if ref == "" {
		return res, invalid("reference", "is required")
	}
	prior, err := e.store.GetEntryByReference(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return res, ErrEntryNotFound
	}
	if err != nil {
		return res, fmt.Errorf("lookup reference %s: %w", ref, err)
	}
	switch prior.Type {
	case models.EntryDeposit, models.EntryWithdrawal, models.EntryTransferOut:
	default:
		return res, invalid("reference", "%s entries cannot be reversed", prior.Type)
	}
	var counterpart models.LedgerEntry
	if prior.Type == models.EntryTransferOut {
		counterpart, err = e.store.GetEntryByReference(ctx, refnum.Derive(ref, "in"))
		if err != nil {
			return res, fmt.Errorf("lookup transfer counterpart: %w", err)
		}
	}

	var reserve *models.ReserveFund
	var reversed *models.LedgerEntry
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		entry, err := tx.LockEntry(ctx, prior.ID)
		if err != nil {
			return err
		}
		if entry.Status != models.StatusClearing {
			return ErrConflict
		}
		entries := []*models.LedgerEntry{entry}
		if counterpart.ID != "" {
			other, err := tx.LockEntry(ctx, counterpart.ID)
			if err != nil {
				return err
			}
			if other.Status != models.StatusClearing {
				return ErrConflict
			}
			entries = append(entries, other)
		}

		ids := make([]string, 0, len(entries))
		for _, en := range entries {
			ids = append(ids, en.AccountID)
		}
		accts, err := lockAccounts(ctx, tx, ids...)
		if err != nil {
			return err
		}
		for _, en := range entries {
			if err := unwind(ctx, tx, accts[en.AccountID], en, now); err != nil {
				return err
			}
		}

		fee, err := withdrawalFee(entry)
		if err != nil {
			return err
		}
		if fee > 0 {
			reserve, err = tx.LockReserve(ctx)
			if err != nil {
				return err
			}
			if err := adjustReserve(ctx, tx, reserve, models.ReserveMovement{
				Kind:             models.ReserveFeeRefund,
				Amount:           -fee,
				ReferenceNumber:  refnum.Derive(ref, "fee-refund"),
				RelatedAccountID: entry.AccountID,
			}, now); err != nil {
				return err
			}
		}
		reversed = entry
		return nil
	})
	if err != nil {
		return res, err
	}
	if reserve != nil {
		metrics.ReserveBalance.Set(float64(reserve.TotalBalance))
	}
	e.log.Info("clearing entry reversed", "reference", ref, "account_id", reversed.AccountID, "reason", reason)
	return EntryResult{Entry: *reversed}, nil
}

// withdrawalFee returns the fee charged with a withdrawal entry, and zero
// for every other entry type.
func withdrawalFee(entry *models.LedgerEntry) (int64, error) {
	if entry.Type != models.EntryWithdrawal {
		return 0, nil
	}
	raw, ok := entry.Metadata["fee"]
	if !ok {
		return 0, nil
	}
	fee, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || fee < 0 {
		return 0, fmt.Errorf("withdrawal %s has corrupt fee %q", entry.ReferenceNumber, raw)
	}
	return fee, nil
}

// unwind restores the balances a clearing entry changed and marks it
// reversed. A clearing credit sits in locked; a clearing debit already left
// its bucket.
func unwind(ctx context.Context, tx storage.Tx, acct *models.Account, entry *models.LedgerEntry, now time.Time) error {
	if entry.IsCredit() {
		if acct.LockedBalance < entry.Amount {
			return ErrInsufficientFunds
		}
		acct.Adjust(models.BucketLocked, -entry.Amount)
	} else {
		acct.Adjust(entry.Bucket, -entry.Amount)
	}
	acct.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return err
	}
	entry.Status = models.StatusReversed
	entry.ClearedAt = &now
	return tx.UpdateEntryStatus(ctx, entry)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
