package models

import "time"

// EntryType is the business reason for a ledger entry.
type EntryType string

const (
	EntryDeposit            EntryType = "deposit"
	EntryWithdrawal         EntryType = "withdrawal"
	EntryTransferOut        EntryType = "transfer-out"
	EntryTransferIn         EntryType = "transfer-in"
	EntryLendingProfit      EntryType = "lending-profit"
	EntryVaultInterest      EntryType = "vault-interest"
	EntryLoanFunding        EntryType = "loan-funding"
	EntryLoanRepayment      EntryType = "loan-repayment"
	EntryCollateralLock     EntryType = "collateral-lock"
	EntryCollateralRelease  EntryType = "collateral-release"
	EntryCollateralForfeit  EntryType = "collateral-forfeit"
	EntryReferralCommission EntryType = "referral-commission"
)

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	StatusClearing  EntryStatus = "clearing"
	StatusCompleted EntryStatus = "completed"
	StatusReversed  EntryStatus = "reversed"
)

// LedgerEntry records one balance effect on one account.
//
// Amount is signed: credits are positive and debits negative. A bucket move
// has FromBucket set and carries the positive moved amount; it does not
// change the account total.
type LedgerEntry struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"account_id"`
	Type             EntryType         `json:"type"`
	Amount           int64             `json:"amount"`
	Bucket           Bucket            `json:"bucket"`
	FromBucket       Bucket            `json:"from_bucket,omitempty"`
	Status           EntryStatus       `json:"status"`
	ReferenceNumber  string            `json:"reference_number"`
	ClearingEndsAt   *time.Time        `json:"clearing_ends_at,omitempty"`
	ClearedAt        *time.Time        `json:"cleared_at,omitempty"`
	RelatedLoanID    string            `json:"related_loan_id,omitempty"`
	RelatedAccountID string            `json:"related_account_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// IsMove reports whether the entry moves funds between two buckets.
func (e LedgerEntry) IsMove() bool { return e.FromBucket != "" }

// IsCredit reports whether the entry adds funds to the account.
func (e LedgerEntry) IsCredit() bool { return !e.IsMove() && e.Amount > 0 }

// Delta returns the entry's effect on the account total.
func (e LedgerEntry) Delta() int64 {
	if e.IsMove() || e.Status == StatusReversed {
		return 0
	}
	return e.Amount
}

// BucketDeltas returns the entry's effect on each bucket. A credit that is
// still clearing is held in the locked bucket until it completes.
func (e LedgerEntry) BucketDeltas() map[Bucket]int64 {
	out := map[Bucket]int64{}
	switch {
	case e.Status == StatusReversed:
	case e.IsMove():
		out[e.FromBucket] -= e.Amount
		out[e.Bucket] += e.Amount
	case e.IsCredit() && e.Status == StatusClearing:
		out[BucketLocked] += e.Amount
	default:
		out[e.Bucket] += e.Amount
	}
	return out
}

// Reconciliation compares an account's stored balances with the balances
// implied by its ledger entries.
type Reconciliation struct {
	AccountID string           `json:"account_id"`
	Stored    map[Bucket]int64 `json:"stored"`
	Derived   map[Bucket]int64 `json:"derived"`
	Entries   int              `json:"entries"`
	Balanced  bool             `json:"balanced"`
}

// Reconcile replays entries against an account's stored balances.
func Reconcile(acct Account, entries []LedgerEntry) Reconciliation {
	derived := map[Bucket]int64{BucketLiquid: 0, BucketLocked: 0, BucketLending: 0}
	for _, e := range entries {
		for b, d := range e.BucketDeltas() {
			derived[b] += d
		}
	}
	stored := map[Bucket]int64{
		BucketLiquid:  acct.LiquidBalance,
		BucketLocked:  acct.LockedBalance,
		BucketLending: acct.LendingBalance,
	}
	balanced := true
	for b, v := range stored {
		if derived[b] != v {
			balanced = false
		}
	}
	return Reconciliation{
		AccountID: acct.ID,
		Stored:    stored,
		Derived:   derived,
		Entries:   len(entries),
		Balanced:  balanced,
	}
}
