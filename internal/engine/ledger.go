package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// posting describes the ledger entry written alongside a balance change.
type posting struct {
	Type             models.EntryType
	Amount           int64
	Ref              string
	LoanID           string
	RelatedAccountID string
	Metadata         map[string]string
	// ClearingEndsAt, when set, writes the entry as clearing. A clearing
	// credit is held in the locked bucket until the release job runs.
	ClearingEndsAt *time.Time
}

func (p posting) entry(acct *models.Account, amount int64, bucket, from models.Bucket, now time.Time) *models.LedgerEntry {
	status := models.StatusCompleted
	if p.ClearingEndsAt != nil {
		status = models.StatusClearing
	}
	return &models.LedgerEntry{
		ID:               newID(),
		AccountID:        acct.ID,
		Type:             p.Type,
		Amount:           amount,
		Bucket:           bucket,
		FromBucket:       from,
		Status:           status,
		ReferenceNumber:  p.Ref,
		ClearingEndsAt:   p.ClearingEndsAt,
		RelatedLoanID:    p.LoanID,
		RelatedAccountID: p.RelatedAccountID,
		Metadata:         p.Metadata,
		CreatedAt:        now,
	}
}

// credit adds p.Amount to bucket b and appends the entry.
func credit(ctx context.Context, tx storage.Tx, acct *models.Account, b models.Bucket, p posting, now time.Time) (*models.LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	if p.ClearingEndsAt != nil {
		acct.Adjust(models.BucketLocked, p.Amount)
	} else {
		acct.Adjust(b, p.Amount)
	}
	return apply(ctx, tx, acct, p.entry(acct, p.Amount, b, "", now), now)
}

// debit removes p.Amount from bucket b and appends the entry.
func debit(ctx context.Context, tx storage.Tx, acct *models.Account, b models.Bucket, p posting, now time.Time) (*models.LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	if acct.Balance(b) < p.Amount {
		return nil, ErrInsufficientFunds
	}
	acct.Adjust(b, -p.Amount)
	return apply(ctx, tx, acct, p.entry(acct, -p.Amount, b, "", now), now)
}

// move shifts p.Amount between two buckets of one account.
func move(ctx context.Context, tx storage.Tx, acct *models.Account, from, to models.Bucket, p posting, now time.Time) (*models.LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	if from == to {
		return nil, invalid("bucket", "source and destination are the same")
	}
	if acct.Balance(from) < p.Amount {
		return nil, ErrInsufficientFunds
	}
	acct.Adjust(from, -p.Amount)
	acct.Adjust(to, p.Amount)
	return apply(ctx, tx, acct, p.entry(acct, p.Amount, to, from, now), now)
}

func apply(ctx context.Context, tx storage.Tx, acct *models.Account, entry *models.LedgerEntry, now time.Time) (*models.LedgerEntry, error) {
	acct.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append %s entry %s: %w", entry.Type, entry.ReferenceNumber, err)
	}
	return entry, nil
}

// adjustReserve applies delta to the reserve fund and journals it.
func adjustReserve(ctx context.Context, tx storage.Tx, r *models.ReserveFund, m models.ReserveMovement, now time.Time) error {
	if r.TotalBalance+m.Amount < 0 {
		return ErrReserveInsufficient
	}
	r.TotalBalance += m.Amount
	switch m.Kind {
	case models.ReserveFee, models.ReserveFeeRefund:
		r.FeeAccumulation += m.Amount
	case models.ReservePayout:
		r.TotalPayoutsMade -= m.Amount
	}
	r.UpdatedAt = now
	if err := tx.UpdateReserve(ctx, r); err != nil {
		return err
	}
	m.ID = newID()
	m.CreatedAt = now
	if err := tx.InsertReserveMovement(ctx, &m); err != nil {
		return fmt.Errorf("journal reserve %s %s: %w", m.Kind, m.ReferenceNumber, err)
	}
	return nil
}

// sameRequest reports whether an earlier entry under a reused reference
// records the request being retried. nil accepts any entry of the right
// operation and account.
type sameRequest func(prior models.LedgerEntry) bool

// sameAmount matches entries whose signed amount equals want.
func sameAmount(want int64) sameRequest {
	return func(prior models.LedgerEntry) bool { return prior.Amount == want }
}

// sameLoan matches entries posted against loanID.
func sameLoan(loanID string) sameRequest {
	return func(prior models.LedgerEntry) bool { return prior.RelatedLoanID == loanID }
}

// priorEntry looks up an earlier submission of ref. It returns the entry and
// true when ref already belongs to the same operation kind and account and
// same accepts it, ErrConflict when it belongs to something else, and false
// when unused.
func (e *Engine) priorEntry(ctx context.Context, ref string, typ models.EntryType, accountID string, same sameRequest) (models.LedgerEntry, bool, error) {
	prior, err := e.store.GetEntryByReference(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("lookup reference %s: %w", ref, err)
	}
	if prior.Type != typ || prior.AccountID != accountID {
		return models.LedgerEntry{}, false, ErrConflict
	}
	if same != nil && !same(prior) {
		return models.LedgerEntry{}, false, ErrConflict
	}
	return prior, true, nil
}

// afterRace resolves a transaction that lost a duplicate-reference race by
// returning the winner's entry.
func (e *Engine) afterRace(ctx context.Context, err error, ref string, typ models.EntryType, accountID string, same sameRequest) (models.LedgerEntry, bool, error) {
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return models.LedgerEntry{}, false, err
	}
	prior, ok, lookupErr := e.priorEntry(ctx, ref, typ, accountID, same)
	if lookupErr != nil {
		return models.LedgerEntry{}, false, lookupErr
	}
	if !ok {
		// The unique violation came from something other than ref.
		return models.LedgerEntry{}, false, ErrConflict
	}
	return prior, true, nil
}

// EntryResult is the outcome of a mutation whose primary record is a ledger
// entry. Replayed is set when the reference had already been applied.
type EntryResult struct {
	Entry    models.LedgerEntry `json:"entry"`
	Replayed bool               `json:"replayed"`
}

// idempotent runs fn in a transaction unless ref was already applied to the
// same operation and account. A reused ref whose prior entry fails same is
// ErrConflict. fn returns the operation's primary entry, which must carry ref.
func (e *Engine) idempotent(ctx context.Context, ref string, typ models.EntryType, accountID string, same sameRequest, fn func(tx storage.Tx) (*models.LedgerEntry, error)) (EntryResult, error) {
	prior, ok, err := e.priorEntry(ctx, ref, typ, accountID, same)
	if err != nil {
		return EntryResult{}, err
	}
	if ok {
		return EntryResult{Entry: prior, Replayed: true}, nil
	}

	var entry *models.LedgerEntry
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		entry, err = fn(tx)
		return err
	})
	if err != nil {
		prior, ok, err := e.afterRace(ctx, err, ref, typ, accountID, same)
		if !ok {
			return EntryResult{}, err
		}
		return EntryResult{Entry: prior, Replayed: true}, nil
	}
	return EntryResult{Entry: *entry}, nil
}
