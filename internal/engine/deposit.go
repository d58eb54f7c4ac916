package engine

import (
	"context"
	"time"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// DepositRequest credits external funds to a member's account.
type DepositRequest struct {
	AccountID string
	Amount    int64
	// Channel names the funding rail, e.g. "bank" or "ewallet". Optional.
	Channel   string
	Reference string
}

// Deposit records an incoming payment. The amount is held in the locked
// bucket until the clearing delay elapses and RunClearingRelease moves it to
// liquid.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (res EntryResult, err error) {
	defer func(started time.Time) { e.finish(OpDeposit, started, res.Replayed, err) }(time.Now())

	pol := e.policy.Policy()
	now := e.now()
	if req.AccountID == "" {
		return res, invalid("account_id", "is required")
	}
	if err := checkRange(req.Amount, pol.MinDepositAmount, pol.MaxDepositAmount); err != nil {
		return res, err
	}
	ref, err := reference(req.Reference, refnum.Deposit, now)
	if err != nil {
		return res, err
	}
	if err := e.memberGuard(pol, req.AccountID, OpDeposit); err != nil {
		return res, err
	}

	ends := now.Add(pol.ClearingDelay.Duration)
	var metadata map[string]string
	if req.Channel != "" {
		metadata = map[string]string{"channel": req.Channel}
	}
	return e.idempotent(ctx, ref, models.EntryDeposit, req.AccountID, sameAmount(req.Amount), func(tx storage.Tx) (*models.LedgerEntry, error) {
		accts, err := lockAccounts(ctx, tx, req.AccountID)
		if err != nil {
			return nil, err
		}
		acct := accts[req.AccountID]
		if err := requireActive(acct); err != nil {
			return nil, err
		}
		return credit(ctx, tx, acct, models.BucketLiquid, posting{
			Type:           models.EntryDeposit,
			Amount:         req.Amount,
			Ref:            ref,
			Metadata:       metadata,
			ClearingEndsAt: &ends,
		}, now)
	})
}
