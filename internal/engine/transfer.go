package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/metrics"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// TransferRequest moves liquid funds out of a member's account, either to an
// external rail or to another member.
type TransferRequest struct {
	AccountID   string
	Amount      int64
	Destination Destination
	Reference   string
}

// Transfer debits the sender's liquid balance. External withdrawals stay
// clearing until the rail settles and pay the flat withdrawal fee into the
// reserve fund. Internal transfers credit the recipient, instantly or through
// clearing depending on policy.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (res EntryResult, err error) {
	defer func(started time.Time) { e.finish(OpTransfer, started, res.Replayed, err) }(time.Now())

	pol := e.policy.Policy()
	now := e.now()
	if req.AccountID == "" {
		return res, invalid("account_id", "is required")
	}
	dest := req.Destination.normalize()
	if err := dest.validate(); err != nil {
		return res, err
	}
	internal := dest.Kind == DestInternal
	if internal && dest.Address == req.AccountID {
		return res, invalid("destination.address", "cannot transfer to the same account")
	}
	if err := checkRange(req.Amount, pol.MinTransferAmount, pol.MaxTransferAmount); err != nil {
		return res, err
	}

	prefix, typ := refnum.Withdrawal, models.EntryWithdrawal
	if internal {
		prefix, typ = refnum.Transfer, models.EntryTransferOut
	}
	ref, err := reference(req.Reference, prefix, now)
	if err != nil {
		return res, err
	}
	if err := e.memberGuard(pol, req.AccountID, OpTransfer); err != nil {
		return res, err
	}

	var reserve *models.ReserveFund
	res, err = e.idempotent(ctx, ref, typ, req.AccountID, dest.sameTransfer(req.Amount), func(tx storage.Tx) (*models.LedgerEntry, error) {
		if internal {
			return internalTransfer(ctx, tx, pol, req.AccountID, dest.Address, req.Amount, ref, now)
		}
		entry, r, err := withdraw(ctx, tx, pol, req.AccountID, dest, req.Amount, ref, now)
		reserve = r
		return entry, err
	})
	if err == nil && reserve != nil && !res.Replayed {
		metrics.ReserveBalance.Set(float64(reserve.TotalBalance))
	}
	return res, err
}

// sameTransfer matches a prior transfer to the same destination for the same
// amount. Withdrawals compare the net amount so a fee change between attempts
// does not turn a retry into a conflict.
func (d Destination) sameTransfer(amount int64) sameRequest {
	if d.Kind == DestInternal {
		return func(prior models.LedgerEntry) bool {
			return prior.Amount == -amount && prior.RelatedAccountID == d.Address
		}
	}
	return func(prior models.LedgerEntry) bool {
		return prior.Metadata["net_amount"] == strconv.FormatInt(amount, 10) &&
			prior.Metadata["destination_kind"] == d.Kind &&
			prior.Metadata["destination_address"] == d.masked()
	}
}

func withdraw(ctx context.Context, tx storage.Tx, pol config.EngineConfig, accountID string, dest Destination, amount int64, ref string, now time.Time) (*models.LedgerEntry, *models.ReserveFund, error) {
	accts, err := lockAccounts(ctx, tx, accountID)
	if err != nil {
		return nil, nil, err
	}
	acct := accts[accountID]
	if err := requireActive(acct); err != nil {
		return nil, nil, err
	}
	fee := pol.WithdrawalFee
	if acct.LiquidBalance < amount+fee {
		return nil, nil, ErrInsufficientFunds
	}

	ends := now.Add(pol.ClearingDelay.Duration)
	entry, err := debit(ctx, tx, acct, models.BucketLiquid, posting{
		Type:   models.EntryWithdrawal,
		Amount: amount + fee,
		Ref:    ref,
		Metadata: map[string]string{
			"destination_kind":    dest.Kind,
			"destination_address": dest.masked(),
			"net_amount":          strconv.FormatInt(amount, 10),
			"fee":                 strconv.FormatInt(fee, 10),
		},
		ClearingEndsAt: &ends,
	}, now)
	if err != nil {
		return nil, nil, err
	}
	if fee == 0 {
		return entry, nil, nil
	}

	reserve, err := tx.LockReserve(ctx)
	if err != nil {
		return nil, nil, err
	}
	err = adjustReserve(ctx, tx, reserve, models.ReserveMovement{
		Kind:             models.ReserveFee,
		Amount:           fee,
		ReferenceNumber:  refnum.Derive(ref, "fee"),
		RelatedAccountID: accountID,
	}, now)
	if err != nil {
		return nil, nil, err
	}
	return entry, reserve, nil
}

func internalTransfer(ctx context.Context, tx storage.Tx, pol config.EngineConfig, senderID, recipientID string, amount int64, ref string, now time.Time) (*models.LedgerEntry, error) {
	accts, err := lockAccounts(ctx, tx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	sender, recipient := accts[senderID], accts[recipientID]
	if err := requireActive(sender); err != nil {
		return nil, err
	}
	if err := requireActive(recipient); err != nil {
		return nil, err
	}

	var ends *time.Time
	if pol.InternalTransferClearing {
		t := now.Add(pol.ClearingDelay.Duration)
		ends = &t
	}
	out, err := debit(ctx, tx, sender, models.BucketLiquid, posting{
		Type:             models.EntryTransferOut,
		Amount:           amount,
		Ref:              ref,
		RelatedAccountID: recipientID,
		ClearingEndsAt:   ends,
	}, now)
	if err != nil {
		return nil, err
	}
	_, err = credit(ctx, tx, recipient, models.BucketLiquid, posting{
		Type:             models.EntryTransferIn,
		Amount:           amount,
		Ref:              refnum.Derive(ref, "in"),
		RelatedAccountID: senderID,
		ClearingEndsAt:   ends,
	}, now)
	if err != nil {
		return nil, err
	}
	return out, nil
}
