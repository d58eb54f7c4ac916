package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hongminglow/coop-ledger/internal/metrics"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// ReserveResult is the reserve fund after a contribution.
type ReserveResult struct {
	Reserve  models.ReserveFund     `json:"reserve"`
	Movement models.ReserveMovement `json:"movement"`
	Replayed bool                   `json:"replayed"`
}

// ContributeReserve adds cooperative capital to the reserve fund.
func (e *Engine) ContributeReserve(ctx context.Context, amount int64, ref string) (res ReserveResult, err error) {
	defer func(started time.Time) { e.finish(OpReserve, started, res.Replayed, err) }(time.Now())

	now := e.now()
	if amount <= 0 {
		return res, invalid("amount", "must be positive")
	}
	ref, err = reference(ref, refnum.Reserve, now)
	if err != nil {
		return res, err
	}

	if prior, ok, err := e.priorMovement(ctx, ref); err != nil {
		return res, err
	} else if ok {
		return e.reserveReplay(ctx, prior, amount)
	}

	var reserve *models.ReserveFund
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockReserve(ctx)
		if err != nil {
			return err
		}
		reserve = r
		return adjustReserve(ctx, tx, r, models.ReserveMovement{
			Kind:            models.ReserveContribution,
			Amount:          amount,
			ReferenceNumber: ref,
		}, now)
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		prior, ok, lookupErr := e.priorMovement(ctx, ref)
		if lookupErr != nil || !ok {
			return res, errors.Join(ErrConflict, lookupErr)
		}
		return e.reserveReplay(ctx, prior, amount)
	}
	if err != nil {
		return res, fmt.Errorf("contribute reserve: %w", err)
	}

	metrics.ReserveBalance.Set(float64(reserve.TotalBalance))
	e.log.Info("reserve contribution", "amount", amount, "reference", ref, "total_balance", reserve.TotalBalance)
	movement, err := e.store.GetReserveMovement(ctx, ref)
	if err != nil {
		return res, fmt.Errorf("load reserve movement: %w", err)
	}
	return ReserveResult{Reserve: *reserve, Movement: movement}, nil
}

// priorMovement finds an earlier contribution under ref. A reference already
// used by a ledger entry or by another kind of movement is a conflict.
func (e *Engine) priorMovement(ctx context.Context, ref string) (models.ReserveMovement, bool, error) {
	if _, err := e.store.GetEntryByReference(ctx, ref); err == nil {
		return models.ReserveMovement{}, false, ErrConflict
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.ReserveMovement{}, false, fmt.Errorf("lookup reference %s: %w", ref, err)
	}
	m, err := e.store.GetReserveMovement(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ReserveMovement{}, false, nil
	}
	if err != nil {
		return models.ReserveMovement{}, false, fmt.Errorf("lookup reference %s: %w", ref, err)
	}
	if m.Kind != models.ReserveContribution {
		return models.ReserveMovement{}, false, ErrConflict
	}
	return m, true, nil
}

func (e *Engine) reserveReplay(ctx context.Context, prior models.ReserveMovement, amount int64) (ReserveResult, error) {
	if prior.Amount != amount {
		return ReserveResult{}, ErrConflict
	}
	r, err := e.store.GetReserve(ctx)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("load reserve: %w", err)
	}
	return ReserveResult{Reserve: r, Movement: prior, Replayed: true}, nil
}

// ReferralRequest pays a referral commission to the member who introduced
// ReferredAccountID.
type ReferralRequest struct {
	ReferrerID        string
	ReferredAccountID string
	Amount            int64
	Reference         string
}

// CreditReferralCommission credits a completed commission to the referrer's
// liquid balance.
func (e *Engine) CreditReferralCommission(ctx context.Context, req ReferralRequest) (res EntryResult, err error) {
	defer func(started time.Time) { e.finish(OpReferral, started, res.Replayed, err) }(time.Now())

	now := e.now()
	if req.ReferrerID == "" {
		return res, invalid("referrer_id", "is required")
	}
	if req.ReferredAccountID == "" || req.ReferredAccountID == req.ReferrerID {
		return res, invalid("referred_account_id", "must name a different member")
	}
	if req.Amount <= 0 {
		return res, invalid("amount", "must be positive")
	}
	ref, err := reference(req.Reference, refnum.Referral, now)
	if err != nil {
		return res, err
	}

	same := func(prior models.LedgerEntry) bool {
		return prior.Amount == req.Amount && prior.RelatedAccountID == req.ReferredAccountID
	}
	return e.idempotent(ctx, ref, models.EntryReferralCommission, req.ReferrerID, same, func(tx storage.Tx) (*models.LedgerEntry, error) {
		accts, err := lockAccounts(ctx, tx, req.ReferrerID, req.ReferredAccountID)
		if err != nil {
			return nil, err
		}
		referrer := accts[req.ReferrerID]
		if err := requireActive(referrer); err != nil {
			return nil, err
		}
		return credit(ctx, tx, referrer, models.BucketLiquid, posting{
			Type:             models.EntryReferralCommission,
			Amount:           req.Amount,
			Ref:              ref,
			RelatedAccountID: req.ReferredAccountID,
		}, now)
	})
}
