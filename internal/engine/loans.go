package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// LoanResult is the loan after an operation. Replayed is set when the
// reference had already been applied; Loan then reflects its current state.
type LoanResult struct {
	Loan     models.Loan `json:"loan"`
	Replayed bool        `json:"replayed"`
}

// LoanRequest asks for a peer-funded loan.
type LoanRequest struct {
	BorrowerID string
	Amount     int64
	Reference  string
}

// LoanAction identifies the caller and loan for fund, repay and cancel.
type LoanAction struct {
	AccountID string
	LoanID    string
	Reference string
}

// RequestLoan opens a loan request and locks the borrower's collateral.
func (e *Engine) RequestLoan(ctx context.Context, req LoanRequest) (res LoanResult, err error) {
	defer func(started time.Time) { e.finish(OpLoanRequest, started, res.Replayed, err) }(time.Now())

	pol := e.policy.Policy()
	now := e.now()
	if req.BorrowerID == "" {
		return res, invalid("borrower_id", "is required")
	}
	if err := checkRange(req.Amount, pol.MinLoanAmount, pol.MaxLoanAmount); err != nil {
		return res, err
	}
	ref, err := reference(req.Reference, refnum.LoanReq, now)
	if err != nil {
		return res, err
	}
	if err := e.memberGuard(pol, req.BorrowerID, OpLoanRequest); err != nil {
		return res, err
	}

	entry, err := e.idempotent(ctx, ref, models.EntryCollateralLock, req.BorrowerID, nil, func(tx storage.Tx) (*models.LedgerEntry, error) {
		accts, err := lockAccounts(ctx, tx, req.BorrowerID)
		if err != nil {
			return nil, err
		}
		borrower := accts[req.BorrowerID]
		if err := checkBorrower(pol, borrower, req.Amount, now); err != nil {
			return nil, err
		}

		loan := &models.Loan{
			ID:               newID(),
			BorrowerID:       borrower.ID,
			PrincipalAmount:  req.Amount,
			InterestRate:     pol.LoanInterestRate,
			InterestAmount:   models.FloorRate(req.Amount, pol.LoanInterestRate),
			CollateralAmount: models.CeilRate(req.Amount, pol.CollateralLockRatio),
			DurationDays:     pol.LoanDurationDays,
			CapitalLockDays:  pol.CapitalLockDays,
			Status:           models.LoanOpen,
			ReferenceNumber:  ref,
			CreatedAt:        now,
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("insert loan: %w", err)
		}
		return move(ctx, tx, borrower, models.BucketLiquid, models.BucketLocked, posting{
			Type:   models.EntryCollateralLock,
			Amount: loan.CollateralAmount,
			Ref:    ref,
			LoanID: loan.ID,
		}, now)
	})
	if err != nil {
		return res, err
	}
	res, err = e.loanResult(ctx, entry)
	if err == nil && res.Replayed && res.Loan.PrincipalAmount != req.Amount {
		return LoanResult{}, ErrConflict
	}
	return res, err
}

// checkBorrower applies the eligibility rules in order: account state, age,
// KYC, collateralization ceiling, then collateral coverage.
func checkBorrower(pol config.EngineConfig, acct *models.Account, amount int64, now time.Time) error {
	if err := requireActive(acct); err != nil {
		return err
	}
	if acct.Age(now) < pol.MinAccountAge.Duration {
		return ErrAgingNotMet
	}
	if pol.RequireKYC && acct.KYCStatus != models.KYCVerified {
		return ErrKYCRequired
	}
	if amount > models.FloorRate(acct.LiquidBalance, pol.CollateralCeilingRatio) {
		return ErrCollateralInsufficient
	}
	if models.CeilRate(amount, pol.CollateralLockRatio) > acct.LiquidBalance {
		return ErrCollateralInsufficient
	}
	return nil
}

// FundLoan has a lender take an open loan. The lender's principal moves into
// their lending bucket and the borrower receives it as liquid funds.
func (e *Engine) FundLoan(ctx context.Context, req LoanAction) (res LoanResult, err error) {
	defer func(started time.Time) { e.finish(OpLoanFund, started, res.Replayed, err) }(time.Now())

	pol := e.policy.Policy()
	now := e.now()
	if req.AccountID == "" || req.LoanID == "" {
		return res, invalid("loan", "lender and loan id are required")
	}
	ref, err := reference(req.Reference, refnum.LoanFund, now)
	if err != nil {
		return res, err
	}
	if err := e.memberGuard(pol, req.AccountID, OpLoanFund); err != nil {
		return res, err
	}

	entry, err := e.idempotent(ctx, ref, models.EntryLoanFunding, req.AccountID, sameLoan(req.LoanID), func(tx storage.Tx) (*models.LedgerEntry, error) {
		loan, err := lockLoan(ctx, tx, req.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.Status != models.LoanOpen {
			return nil, ErrLoanUnavailable
		}
		if loan.BorrowerID == req.AccountID {
			return nil, ErrSelfFundingDenied
		}
		accts, err := lockAccounts(ctx, tx, req.AccountID, loan.BorrowerID)
		if err != nil {
			return nil, err
		}
		lender, borrower := accts[req.AccountID], accts[loan.BorrowerID]
		if err := requireActive(lender); err != nil {
			return nil, err
		}

		funded, err := move(ctx, tx, lender, models.BucketLiquid, models.BucketLending, posting{
			Type:             models.EntryLoanFunding,
			Amount:           loan.PrincipalAmount,
			Ref:              ref,
			LoanID:           loan.ID,
			RelatedAccountID: borrower.ID,
		}, now)
		if err != nil {
			return nil, err
		}
		_, err = credit(ctx, tx, borrower, models.BucketLiquid, posting{
			Type:             models.EntryLoanFunding,
			Amount:           loan.PrincipalAmount,
			Ref:              refnum.Derive(ref, "disburse"),
			LoanID:           loan.ID,
			RelatedAccountID: lender.ID,
		}, now)
		if err != nil {
			return nil, err
		}

		due := now.AddDate(0, 0, loan.DurationDays)
		unlock := now.AddDate(0, 0, loan.CapitalLockDays)
		loan.LenderID = lender.ID
		loan.Status = models.LoanFunded
		loan.FundedAt = &now
		loan.DueDate = &due
		loan.CapitalUnlockDate = &unlock
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("update loan: %w", err)
		}
		return funded, nil
	})
	if err != nil {
		return res, err
	}
	return e.loanResult(ctx, entry)
}

// RepayLoan settles a funded loan from the borrower's liquid balance,
// releases the collateral and returns principal plus interest to the lender.
func (e *Engine) RepayLoan(ctx context.Context, req LoanAction) (res LoanResult, err error) {
	defer func(started time.Time) { e.finish(OpLoanRepay, started, res.Replayed, err) }(time.Now())

	pol := e.policy.Policy()
	now := e.now()
	if req.AccountID == "" || req.LoanID == "" {
		return res, invalid("loan", "borrower and loan id are required")
	}
	ref, err := reference(req.Reference, refnum.LoanRepay, now)
	if err != nil {
		return res, err
	}
	if err := e.memberGuard(pol, req.AccountID, OpLoanRepay); err != nil {
		return res, err
	}

	entry, err := e.idempotent(ctx, ref, models.EntryLoanRepayment, req.AccountID, sameLoan(req.LoanID), func(tx storage.Tx) (*models.LedgerEntry, error) {
		loan, err := lockLoan(ctx, tx, req.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.BorrowerID != req.AccountID {
			return nil, ErrNotBorrower
		}
		if loan.Status != models.LoanFunded {
			return nil, ErrLoanNotActive
		}
		accts, err := lockAccounts(ctx, tx, loan.BorrowerID, loan.LenderID)
		if err != nil {
			return nil, err
		}
		borrower, lender := accts[loan.BorrowerID], accts[loan.LenderID]
		if borrower.LiquidBalance < loan.AmountDue() {
			return nil, ErrInsufficientFunds
		}

		repaid, err := debit(ctx, tx, borrower, models.BucketLiquid, posting{
			Type:             models.EntryLoanRepayment,
			Amount:           loan.AmountDue(),
			Ref:              ref,
			LoanID:           loan.ID,
			RelatedAccountID: lender.ID,
		}, now)
		if err != nil {
			return nil, err
		}
		if err := releaseCollateral(ctx, tx, borrower, loan, refnum.Derive(ref, "collateral"), now); err != nil {
			return nil, err
		}
		if err := payLender(ctx, tx, lender, loan, ref, now); err != nil {
			return nil, err
		}

		loan.Status = models.LoanRepaid
		loan.SettledAt = &now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("update loan: %w", err)
		}
		return repaid, nil
	})
	if err != nil {
		return res, err
	}
	return e.loanResult(ctx, entry)
}

// CancelLoan withdraws an unfunded request and releases its collateral.
func (e *Engine) CancelLoan(ctx context.Context, req LoanAction) (res LoanResult, err error) {
	defer func(started time.Time) { e.finish(OpLoanCancel, started, res.Replayed, err) }(time.Now())

	pol := e.policy.Policy()
	now := e.now()
	if req.AccountID == "" || req.LoanID == "" {
		return res, invalid("loan", "borrower and loan id are required")
	}
	ref, err := reference(req.Reference, refnum.LoanCancel, now)
	if err != nil {
		return res, err
	}
	if err := e.memberGuard(pol, req.AccountID, OpLoanCancel); err != nil {
		return res, err
	}

	entry, err := e.idempotent(ctx, ref, models.EntryCollateralRelease, req.AccountID, sameLoan(req.LoanID), func(tx storage.Tx) (*models.LedgerEntry, error) {
		loan, err := lockLoan(ctx, tx, req.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.BorrowerID != req.AccountID {
			return nil, ErrNotBorrower
		}
		if loan.Status != models.LoanOpen {
			return nil, ErrLoanUnavailable
		}
		accts, err := lockAccounts(ctx, tx, loan.BorrowerID)
		if err != nil {
			return nil, err
		}
		borrower := accts[loan.BorrowerID]

		released, err := move(ctx, tx, borrower, models.BucketLocked, models.BucketLiquid, posting{
			Type:   models.EntryCollateralRelease,
			Amount: loan.CollateralAmount,
			Ref:    ref,
			LoanID: loan.ID,
		}, now)
		if err != nil {
			return nil, err
		}
		loan.Status = models.LoanCancelled
		loan.SettledAt = &now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("update loan: %w", err)
		}
		return released, nil
	})
	if err != nil {
		return res, err
	}
	return e.loanResult(ctx, entry)
}

func releaseCollateral(ctx context.Context, tx storage.Tx, borrower *models.Account, loan *models.Loan, ref string, now time.Time) error {
	_, err := move(ctx, tx, borrower, models.BucketLocked, models.BucketLiquid, posting{
		Type:   models.EntryCollateralRelease,
		Amount: loan.CollateralAmount,
		Ref:    ref,
		LoanID: loan.ID,
	}, now)
	return err
}

// payLender returns the principal from the lender's lending bucket and
// credits the interest as profit. Used by both repayment and the reserve
// guarantee.
func payLender(ctx context.Context, tx storage.Tx, lender *models.Account, loan *models.Loan, ref string, now time.Time) error {
	_, err := move(ctx, tx, lender, models.BucketLending, models.BucketLiquid, posting{
		Type:             models.EntryLoanRepayment,
		Amount:           loan.PrincipalAmount,
		Ref:              refnum.Derive(ref, "principal"),
		LoanID:           loan.ID,
		RelatedAccountID: loan.BorrowerID,
	}, now)
	if err != nil {
		return err
	}
	if loan.InterestAmount == 0 {
		return nil
	}
	_, err = credit(ctx, tx, lender, models.BucketLiquid, posting{
		Type:             models.EntryLendingProfit,
		Amount:           loan.InterestAmount,
		Ref:              refnum.Derive(ref, "profit"),
		LoanID:           loan.ID,
		RelatedAccountID: loan.BorrowerID,
	}, now)
	return err
}

func (e *Engine) loanResult(ctx context.Context, res EntryResult) (LoanResult, error) {
	loan, err := e.store.GetLoan(ctx, res.Entry.RelatedLoanID)
	if errors.Is(err, storage.ErrNotFound) {
		return LoanResult{}, ErrLoanNotFound
	}
	if err != nil {
		return LoanResult{}, fmt.Errorf("load loan: %w", err)
	}
	return LoanResult{Loan: loan, Replayed: res.Replayed}, nil
}
