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

// errNotOverdue marks a loan that settled between listing and locking.
var errNotOverdue = errors.New("loan no longer overdue")

// shortfallError reports a default the reserve cannot cover yet.
type shortfallError struct {
	DeferredLoan
}

func (e *shortfallError) Error() string {
	return fmt.Sprintf("loan %s needs %d, reserve holds %d: %v", e.LoanID, e.AmountDue, e.ReserveBalance, ErrReserveInsufficient)
}

func (e *shortfallError) Unwrap() error { return ErrReserveInsufficient }

// RunDefaultSweep settles overdue funded loans from the reserve fund. The
// lender receives principal plus interest from the reserve and the borrower's
// collateral is forfeited into it. When the reserve cannot cover a loan the
// loan stays funded and is listed as deferred.
func (e *Engine) RunDefaultSweep(ctx context.Context) (sum JobSummary, err error) {
	pol := e.policy.Policy()
	now := e.now()
	sum = JobSummary{Job: JobDefaults, StartedAt: now}
	defer func() { e.finishJob(&sum, err) }()

	after := ""
	for {
		ids, err := e.store.ListOverdueLoans(ctx, now, after, pol.BatchSize)
		if err != nil {
			return sum, fmt.Errorf("list overdue loans: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			paid, err := e.settleDefault(ctx, id, now)
			var short *shortfallError
			switch {
			case errors.Is(err, errNotOverdue):
			case errors.As(err, &short):
				e.log.Warn("default settlement deferred",
					"loan_id", id,
					"amount_due", short.AmountDue,
					"reserve_balance", short.ReserveBalance)
				sum.Deferred = append(sum.Deferred, short.DeferredLoan)
			case err != nil:
				e.log.Warn("default settlement failed", "loan_id", id, "error", err)
				sum.failed(id, err)
			default:
				sum.processed(paid)
			}
		}
		if len(ids) < pol.BatchSize {
			return sum, nil
		}
		after = ids[len(ids)-1]
	}
}

// settleDefault returns the amount paid out to the lender.
func (e *Engine) settleDefault(ctx context.Context, loanID string, now time.Time) (int64, error) {
	var paid int64
	var reserve *models.ReserveFund
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.Overdue(now) {
			return errNotOverdue
		}
		accts, err := lockAccounts(ctx, tx, loan.BorrowerID, loan.LenderID)
		if err != nil {
			return err
		}
		borrower, lender := accts[loan.BorrowerID], accts[loan.LenderID]
		reserve, err = tx.LockReserve(ctx)
		if err != nil {
			return err
		}
		due := loan.AmountDue()
		if reserve.TotalBalance < due {
			return &shortfallError{DeferredLoan{LoanID: loan.ID, AmountDue: due, ReserveBalance: reserve.TotalBalance}}
		}

		ref := refnum.Default + "-" + loan.ID
		if err := adjustReserve(ctx, tx, reserve, models.ReserveMovement{
			Kind:             models.ReservePayout,
			Amount:           -due,
			ReferenceNumber:  ref,
			RelatedLoanID:    loan.ID,
			RelatedAccountID: lender.ID,
		}, now); err != nil {
			return err
		}
		if err := payLender(ctx, tx, lender, loan, ref, now); err != nil {
			return err
		}
		if _, err := debit(ctx, tx, borrower, models.BucketLocked, posting{
			Type:             models.EntryCollateralForfeit,
			Amount:           loan.CollateralAmount,
			Ref:              refnum.Derive(ref, "collateral"),
			LoanID:           loan.ID,
			RelatedAccountID: lender.ID,
		}, now); err != nil {
			return err
		}
		if err := adjustReserve(ctx, tx, reserve, models.ReserveMovement{
			Kind:             models.ReserveForfeit,
			Amount:           loan.CollateralAmount,
			ReferenceNumber:  refnum.Derive(ref, "forfeit"),
			RelatedLoanID:    loan.ID,
			RelatedAccountID: borrower.ID,
		}, now); err != nil {
			return err
		}

		loan.Status = models.LoanDefaulted
		loan.AutoRepayTriggered = true
		loan.SettledAt = &now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("update loan: %w", err)
		}
		paid = due
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ReservePayouts.Inc()
	metrics.ReserveBalance.Set(float64(reserve.TotalBalance))
	e.log.Info("loan defaulted", "loan_id", loanID, "paid_out", paid, "reserve_balance", reserve.TotalBalance)
	return paid, nil
}
