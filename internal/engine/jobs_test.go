package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hongminglow/coop-ledger/internal/models"
)

const month = 31 * 24 * time.Hour

func TestRunDefaultSweep_ReserveCovers(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.ContributeReserve(h.ctx, 10000, ""); err != nil {
		t.Fatal(err)
	}
	loan := h.fundedLoan()

	h.clock.Advance(29 * 24 * time.Hour)
	sum, err := h.eng.RunDefaultSweep(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ProcessedCount != 0 {
		t.Fatalf("loan settled before its due date: %+v", sum)
	}

	h.clock.Advance(2 * 24 * time.Hour)
	sum, err = h.eng.RunDefaultSweep(h.ctx)
	if err != nil {
		t.Fatalf("RunDefaultSweep() error: %v", err)
	}
	if sum.ProcessedCount != 1 || sum.TotalAmount != 5250 || len(sum.Deferred) != 0 {
		t.Errorf("summary = %+v, want one loan paid 5250", sum)
	}

	got, _ := h.eng.Loan(h.ctx, loan.ID)
	if got.Status != models.LoanDefaulted || !got.AutoRepayTriggered {
		t.Errorf("loan = %+v, want defaulted with auto repay", got)
	}
	h.expectBalances("alice", 20250, 0, 0)
	h.expectBalances("bob", 10000, 0, 0)
	h.expectReconciled("alice", "bob")

	reserve, _ := h.eng.Reserve(h.ctx)
	if reserve.TotalBalance != 9750 || reserve.TotalPayoutsMade != 5250 {
		t.Errorf("reserve = %+v, want balance 9750 and payouts 5250", reserve)
	}

	moves, _ := h.eng.ReserveMovements(h.ctx, 0)
	kinds := map[string]int64{}
	for _, m := range moves {
		kinds[m.Kind] += m.Amount
	}
	if kinds[models.ReservePayout] != -5250 || kinds[models.ReserveForfeit] != 5000 {
		t.Errorf("reserve journal = %v", kinds)
	}

	sum, _ = h.eng.RunDefaultSweep(h.ctx)
	if sum.ProcessedCount != 0 {
		t.Errorf("second sweep processed %d, want 0", sum.ProcessedCount)
	}
}

func TestRunDefaultSweep_ReserveShort(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.ContributeReserve(h.ctx, 1000, ""); err != nil {
		t.Fatal(err)
	}
	loan := h.fundedLoan()
	h.clock.Advance(month)

	sum, err := h.eng.RunDefaultSweep(h.ctx)
	if err != nil {
		t.Fatalf("RunDefaultSweep() error: %v", err)
	}
	if sum.ProcessedCount != 0 || len(sum.Deferred) != 1 {
		t.Fatalf("summary = %+v, want loan deferred", sum)
	}
	want := DeferredLoan{LoanID: loan.ID, AmountDue: 5250, ReserveBalance: 1000}
	if got := sum.Deferred[0]; got != want || got.Shortfall() != 4250 {
		t.Errorf("deferred = %+v, want %+v short by 4250", got, want)
	}

	got, _ := h.eng.Loan(h.ctx, loan.ID)
	if got.Status != models.LoanFunded {
		t.Errorf("deferred loan status = %s, want funded", got.Status)
	}
	h.expectBalances("alice", 15000, 0, 5000)
	h.expectBalances("bob", 10000, 5000, 0)
	reserve, _ := h.eng.Reserve(h.ctx)
	if reserve.TotalBalance != 1000 {
		t.Errorf("reserve balance = %d, want untouched 1000", reserve.TotalBalance)
	}

	if _, err := h.eng.ContributeReserve(h.ctx, 9000, ""); err != nil {
		t.Fatal(err)
	}
	sum, _ = h.eng.RunDefaultSweep(h.ctx)
	if sum.ProcessedCount != 1 {
		t.Errorf("retry after top-up processed %d, want 1", sum.ProcessedCount)
	}
}

func TestRepayAfterDueDateBeatsSweep(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.ContributeReserve(h.ctx, 10000, ""); err != nil {
		t.Fatal(err)
	}
	loan := h.fundedLoan()
	h.clock.Advance(month)

	if _, err := h.eng.RepayLoan(h.ctx, LoanAction{AccountID: "bob", LoanID: loan.ID}); err != nil {
		t.Fatalf("late RepayLoan() error: %v", err)
	}
	sum, err := h.eng.RunDefaultSweep(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ProcessedCount != 0 {
		t.Errorf("sweep settled a repaid loan: %+v", sum)
	}
	reserve, _ := h.eng.Reserve(h.ctx)
	if reserve.TotalBalance != 10000 {
		t.Errorf("reserve balance = %d, want 10000", reserve.TotalBalance)
	}
}

func TestRepayRacesSweep(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.ContributeReserve(h.ctx, 10000, ""); err != nil {
		t.Fatal(err)
	}
	loan := h.fundedLoan()
	h.clock.Advance(month)

	var (
		wg       sync.WaitGroup
		repayErr error
		sum      JobSummary
		sweepErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, repayErr = h.eng.RepayLoan(h.ctx, LoanAction{AccountID: "bob", LoanID: loan.ID})
	}()
	go func() {
		defer wg.Done()
		sum, sweepErr = h.eng.RunDefaultSweep(h.ctx)
	}()
	wg.Wait()

	if sweepErr != nil {
		t.Fatal(sweepErr)
	}
	switch {
	case repayErr == nil && sum.ProcessedCount == 0:
		h.expectBalances("bob", 9750, 0, 0)
	case errors.Is(repayErr, ErrLoanNotActive) && sum.ProcessedCount == 1:
		h.expectBalances("bob", 10000, 0, 0)
	default:
		t.Fatalf("repay error %v with %d defaults: loan settled twice or not at all", repayErr, sum.ProcessedCount)
	}
	h.expectBalances("alice", 20250, 0, 0)
	h.expectReconciled("alice", "bob")
}

func TestRunDailyInterest(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 100000)
	h.member("idle", 0)

	sum, err := h.eng.RunDailyInterest(h.ctx)
	if err != nil {
		t.Fatalf("RunDailyInterest() error: %v", err)
	}
	if sum.ProcessedCount != 1 || sum.TotalAmount != 500 || sum.Skipped {
		t.Errorf("summary = %+v, want one account credited 500", sum)
	}
	h.expectBalances("alice", 100500, 0, 0)

	h.clock.Advance(time.Hour)
	sum, err = h.eng.RunDailyInterest(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Skipped || sum.ProcessedCount != 0 {
		t.Errorf("same-period rerun = %+v, want skipped", sum)
	}
	h.expectBalances("alice", 100500, 0, 0)

	h.clock.Advance(24 * time.Hour)
	sum, err = h.eng.RunDailyInterest(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalAmount != 502 {
		t.Errorf("next day total = %d, want 502 (floor of 502.5)", sum.TotalAmount)
	}
	h.expectBalances("alice", 101002, 0, 0)
	h.expectReconciled("alice")

	history, err := h.eng.InterestHistory(h.ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Amount != 502 || history[0].BalanceSnapshot != 100500 {
		t.Errorf("history = %+v", history)
	}
}

func TestRunDailyInterest_ConcurrentRunsCreditOnce(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 100000)

	const runners = 4
	sums := make([]JobSummary, runners)
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sums[i], errs[i] = h.eng.RunDailyInterest(h.ctx)
		}(i)
	}
	wg.Wait()

	var total int64
	ran := 0
	for i, sum := range sums {
		if errs[i] != nil {
			t.Fatalf("runner %d error: %v", i, errs[i])
		}
		total += sum.TotalAmount
		if !sum.Skipped {
			ran++
		}
	}
	if total != 500 || ran > 1 {
		t.Errorf("total = %d across %d non-skipped runs, want 500 from at most one", total, ran)
	}
	h.expectBalances("alice", 100500, 0, 0)
	h.expectReconciled("alice")
}

func TestRunDailyInterest_SkipsInactiveAndLocked(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 100000)
	h.member("frozen", 100000)
	h.member("bob", 10000)
	if err := h.eng.SetAccountActive(h.ctx, "frozen", false); err != nil {
		t.Fatal(err)
	}
	h.openLoan("bob", 5000)

	sum, err := h.eng.RunDailyInterest(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	// bob earns on liquid 5000 only; collateral in locked earns nothing.
	if sum.ProcessedCount != 2 || sum.TotalAmount != 525 {
		t.Errorf("summary = %+v, want 2 accounts / 525", sum)
	}
	h.expectBalances("frozen", 100000, 0, 0)
	h.expectBalances("bob", 5025, 5000, 0)
}

func TestRunDailyInterest_StaleClaimTakenOver(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 100000)

	period := PeriodKey(h.clock.Now())
	claimed, err := h.store.ClaimInterestRun(h.ctx, period, h.clock.Now(), h.clock.Now().Add(-time.Hour))
	if err != nil || !claimed {
		t.Fatalf("manual claim = %v, %v", claimed, err)
	}

	sum, _ := h.eng.RunDailyInterest(h.ctx)
	if !sum.Skipped {
		t.Errorf("fresh claim held by another runner should skip: %+v", sum)
	}

	h.clock.Advance(7 * time.Hour)
	sum, err = h.eng.RunDailyInterest(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped || sum.TotalAmount != 500 {
		t.Errorf("stale takeover = %+v, want 500 credited", sum)
	}
}
