package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// ─── Deposits and clearing ──────────────────────────────────────────────────

func TestDeposit_ClearingScenario(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) {
		p.ClearingDelay = config.Duration{Duration: 24 * time.Hour}
	})
	h.member("alice", 0)
	start := h.clock.Now()

	res, err := h.eng.Deposit(h.ctx, DepositRequest{AccountID: "alice", Amount: 10000, Channel: "bank"})
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	if res.Entry.Status != models.StatusClearing {
		t.Errorf("status = %s, want clearing", res.Entry.Status)
	}
	if res.Entry.ClearingEndsAt == nil || !res.Entry.ClearingEndsAt.Equal(start.Add(24*time.Hour)) {
		t.Errorf("ClearingEndsAt = %v, want %v", res.Entry.ClearingEndsAt, start.Add(24*time.Hour))
	}
	h.expectBalances("alice", 0, 10000, 0)

	h.clock.Advance(23 * time.Hour)
	sum, err := h.eng.RunClearingRelease(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ProcessedCount != 0 {
		t.Errorf("early run processed %d, want 0", sum.ProcessedCount)
	}
	h.expectBalances("alice", 0, 10000, 0)

	h.clock.Advance(time.Hour)
	for run := 1; run <= 2; run++ {
		sum, err := h.eng.RunClearingRelease(h.ctx)
		if err != nil {
			t.Fatalf("run %d error: %v", run, err)
		}
		want := 0
		if run == 1 {
			want = 1
		}
		if sum.ProcessedCount != want {
			t.Errorf("run %d processed %d, want %d", run, sum.ProcessedCount, want)
		}
	}
	h.expectBalances("alice", 10000, 0, 0)

	entry, err := h.store.GetEntryByReference(h.ctx, res.Entry.ReferenceNumber)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != models.StatusCompleted || entry.ClearedAt == nil {
		t.Errorf("entry = %+v, want completed with clearedAt", entry)
	}
	h.expectReconciled("alice")
}

func TestDeposit_IdempotentReplay(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) {
		p.ClearingDelay = config.Duration{Duration: time.Hour}
	})
	h.member("alice", 0)
	h.member("bob", 0)

	first, err := h.eng.Deposit(h.ctx, DepositRequest{AccountID: "alice", Amount: 2500, Reference: "dep-alice-0001"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Entry.ReferenceNumber != "DEP-ALICE-0001" {
		t.Errorf("reference = %q, want normalized DEP-ALICE-0001", first.Entry.ReferenceNumber)
	}
	second, err := h.eng.Deposit(h.ctx, DepositRequest{AccountID: "alice", Amount: 2500, Reference: "DEP-ALICE-0001"})
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !second.Replayed || second.Entry.ID != first.Entry.ID {
		t.Errorf("replay = %+v, want same entry flagged replayed", second)
	}
	h.expectBalances("alice", 0, 2500, 0)

	_, err = h.eng.Deposit(h.ctx, DepositRequest{AccountID: "alice", Amount: 9999, Reference: "DEP-ALICE-0001"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("reference reused for a different amount error = %v, want ErrConflict", err)
	}
	h.expectBalances("alice", 0, 2500, 0)

	_, err = h.eng.Deposit(h.ctx, DepositRequest{AccountID: "bob", Amount: 2500, Reference: "DEP-ALICE-0001"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("reference reused by another account error = %v, want ErrConflict", err)
	}
	_, err = h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      100,
		Destination: Destination{Kind: DestBank, Address: "12345678"},
		Reference:   "DEP-ALICE-0001",
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("reference reused by another operation error = %v, want ErrConflict", err)
	}
	_, err = h.eng.Deposit(h.ctx, DepositRequest{AccountID: "alice", Amount: 2500, Reference: "bad ref!"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("malformed reference error = %v, want ErrValidation", err)
	}
}

func TestDeposit_CannotClaimInterestReference(t *testing.T) {
	h := newHarness(t)
	h.member("ALICE", 100000)

	period := PeriodKey(h.clock.Now())
	_, err := h.eng.Deposit(h.ctx, DepositRequest{AccountID: "ALICE", Amount: 2500, Reference: "int-" + period + "-alice"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("deposit under an interest reference error = %v, want ErrValidation", err)
	}

	sum, err := h.eng.RunDailyInterest(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ProcessedCount != 1 || sum.TotalAmount != 500 {
		t.Errorf("summary = %+v, want ALICE credited 500", sum)
	}
	h.expectBalances("ALICE", 100500, 0, 0)
}

func TestDeposit_Validation(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 0)

	tests := []struct {
		name string
		req  DepositRequest
		want error
	}{
		{"missing account", DepositRequest{Amount: 500}, ErrValidation},
		{"zero amount", DepositRequest{AccountID: "alice"}, ErrValidation},
		{"below minimum", DepositRequest{AccountID: "alice", Amount: 99}, ErrAmountOutOfRange},
		{"above maximum", DepositRequest{AccountID: "alice", Amount: 100_000_001}, ErrAmountOutOfRange},
		{"unknown account", DepositRequest{AccountID: "nobody", Amount: 500}, ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.Deposit(h.ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Deposit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ─── Transfers ──────────────────────────────────────────────────────────────

func TestTransfer_ExternalWithFee(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) { p.WithdrawalFee = 50 })
	h.member("alice", 10000)

	res, err := h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      1000,
		Destination: Destination{Kind: DestBank, Address: "1234-5678-9012"},
	})
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if res.Entry.Type != models.EntryWithdrawal || res.Entry.Amount != -1050 || res.Entry.Status != models.StatusClearing {
		t.Errorf("entry = %+v", res.Entry)
	}
	if res.Entry.Metadata["destination_address"] != "********9012" {
		t.Errorf("destination not masked: %q", res.Entry.Metadata["destination_address"])
	}
	h.expectBalances("alice", 8950, 0, 0)

	reserve, _ := h.eng.Reserve(h.ctx)
	if reserve.FeeAccumulation != 50 || reserve.TotalBalance != 50 {
		t.Errorf("reserve = %+v, want fee 50", reserve)
	}

	if _, err := h.eng.RunClearingRelease(h.ctx); err != nil {
		t.Fatal(err)
	}
	h.expectBalances("alice", 8950, 0, 0)
	h.expectReconciled("alice")
}

func TestTransfer_IdempotentReplay(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) { p.WithdrawalFee = 50 })
	h.member("alice", 10000)
	h.member("bob", 0)

	req := TransferRequest{
		AccountID:   "alice",
		Amount:      1000,
		Destination: Destination{Kind: DestBank, Address: "1234-5678-9012"},
		Reference:   "WDR-ALICE-0001",
	}
	first, err := h.eng.Transfer(h.ctx, req)
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	again, err := h.eng.Transfer(h.ctx, req)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !again.Replayed || again.Entry.ID != first.Entry.ID {
		t.Errorf("replay = %+v, want same entry flagged replayed", again)
	}
	h.expectBalances("alice", 8950, 0, 0)

	entries, _ := h.eng.Entries(h.ctx, "alice", storage.EntryQuery{Type: models.EntryWithdrawal})
	if len(entries) != 1 {
		t.Errorf("withdrawal entries = %d, want 1", len(entries))
	}
	moves, _ := h.eng.ReserveMovements(h.ctx, 0)
	if len(moves) != 1 || moves[0].Kind != models.ReserveFee || moves[0].Amount != 50 {
		t.Errorf("reserve movements = %+v, want a single 50 fee", moves)
	}

	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"different amount", TransferRequest{AccountID: "alice", Amount: 2000, Destination: req.Destination, Reference: req.Reference}},
		{"different destination", TransferRequest{AccountID: "alice", Amount: 1000, Destination: Destination{Kind: DestBank, Address: "9999-8888-7777"}, Reference: req.Reference}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.eng.Transfer(h.ctx, tt.req); !errors.Is(err, ErrConflict) {
				t.Errorf("error = %v, want ErrConflict", err)
			}
		})
	}

	internal := TransferRequest{AccountID: "alice", Amount: 500, Destination: Destination{Kind: DestInternal, Address: "bob"}, Reference: "TRF-ALICE-0001"}
	if _, err := h.eng.Transfer(h.ctx, internal); err != nil {
		t.Fatalf("internal transfer error: %v", err)
	}
	internal.Amount = 600
	if _, err := h.eng.Transfer(h.ctx, internal); !errors.Is(err, ErrConflict) {
		t.Errorf("internal replay with different amount error = %v, want ErrConflict", err)
	}
	h.expectBalances("alice", 8450, 0, 0)
	h.expectBalances("bob", 500, 0, 0)
	h.expectReconciled("alice", "bob")
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) { p.WithdrawalFee = 50 })
	h.member("alice", 1000)

	_, err := h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      1000,
		Destination: Destination{Kind: DestEWallet, Address: "+60123456789"},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds (fee not covered)", err)
	}
	h.expectBalances("alice", 1000, 0, 0)
}

func TestTransfer_DestinationValidation(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 10000)

	tests := []struct {
		name string
		dest Destination
		ok   bool
	}{
		{"bank digits", Destination{DestBank, "12345678"}, true},
		{"bank too short", Destination{DestBank, "1234567"}, false},
		{"bank letters", Destination{DestBank, "12345678AB"}, false},
		{"ewallet e164", Destination{DestEWallet, "+14155552671"}, true},
		{"ewallet garbage", Destination{DestEWallet, "call me"}, false},
		{"evm address", Destination{DestCrypto, "0x52908400098527886E0F7030069857D2E4169EE7"}, true},
		{"evm short", Destination{DestCrypto, "0x1234"}, false},
		{"btc bech32", Destination{DestCrypto, "BC1QAR0SRRR7XFKVY5L643LYDNW9RE59GTZZWF5MDQ"}, true},
		{"btc legacy", Destination{DestCrypto, "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"}, true},
		{"unknown kind", Destination{"paypal", "someone@example.com"}, false},
		{"empty address", Destination{DestBank, ""}, false},
		{"self transfer", Destination{DestInternal, "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.Transfer(h.ctx, TransferRequest{AccountID: "alice", Amount: 100, Destination: tt.dest})
			if tt.ok && err != nil {
				t.Errorf("Transfer() error = %v, want success", err)
			}
			if !tt.ok && !errors.Is(err, ErrValidation) {
				t.Errorf("Transfer() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestTransfer_InternalInstant(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 10000)
	h.member("bob", 0)

	res, err := h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      4000,
		Destination: Destination{Kind: DestInternal, Address: "bob"},
	})
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if res.Entry.Type != models.EntryTransferOut || res.Entry.Status != models.StatusCompleted {
		t.Errorf("entry = %+v", res.Entry)
	}
	h.expectBalances("alice", 6000, 0, 0)
	h.expectBalances("bob", 4000, 0, 0)
	h.expectReconciled("alice", "bob")

	h.member("carol", 0)
	if err := h.eng.SetAccountActive(h.ctx, "carol", false); err != nil {
		t.Fatal(err)
	}
	_, err = h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      100,
		Destination: Destination{Kind: DestInternal, Address: "carol"},
	})
	if !errors.Is(err, ErrAccountInactive) {
		t.Errorf("transfer to inactive account error = %v, want ErrAccountInactive", err)
	}
}

func TestTransfer_InternalClearing(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 10000)
	h.member("bob", 0)
	h.setPolicy(func(p *config.EngineConfig) {
		p.InternalTransferClearing = true
		p.ClearingDelay = config.Duration{Duration: 2 * time.Hour}
	})

	if _, err := h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      4000,
		Destination: Destination{Kind: DestInternal, Address: "bob"},
	}); err != nil {
		t.Fatal(err)
	}
	h.expectBalances("alice", 6000, 0, 0)
	h.expectBalances("bob", 0, 4000, 0)
	h.expectReconciled("alice", "bob")

	h.clock.Advance(2 * time.Hour)
	sum, err := h.eng.RunClearingRelease(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ProcessedCount != 2 || sum.TotalAmount != 8000 {
		t.Errorf("summary = %+v, want 2 rows / 8000", sum)
	}
	h.expectBalances("alice", 6000, 0, 0)
	h.expectBalances("bob", 4000, 0, 0)
	h.expectReconciled("alice", "bob")
}

// ─── Reversals ──────────────────────────────────────────────────────────────

func TestReverseClearing_Deposit(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) {
		p.ClearingDelay = config.Duration{Duration: 24 * time.Hour}
	})
	h.member("alice", 0)

	dep, err := h.eng.Deposit(h.ctx, DepositRequest{AccountID: "alice", Amount: 3000})
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.eng.ReverseClearing(h.ctx, dep.Entry.ReferenceNumber, "bounced")
	if err != nil {
		t.Fatalf("ReverseClearing() error: %v", err)
	}
	if res.Entry.Status != models.StatusReversed {
		t.Errorf("status = %s, want reversed", res.Entry.Status)
	}
	h.expectBalances("alice", 0, 0, 0)
	h.expectReconciled("alice")

	if _, err := h.eng.ReverseClearing(h.ctx, dep.Entry.ReferenceNumber, "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("second reversal error = %v, want ErrConflict", err)
	}

	h.clock.Advance(25 * time.Hour)
	sum, _ := h.eng.RunClearingRelease(h.ctx)
	if sum.ProcessedCount != 0 {
		t.Errorf("reversed entry released: %+v", sum)
	}
}

func TestReverseClearing_WithdrawalRefundsFee(t *testing.T) {
	h := newHarness(t, func(p *config.EngineConfig) { p.WithdrawalFee = 50 })
	h.member("alice", 10000)
	h.setPolicy(func(p *config.EngineConfig) { p.ClearingDelay = config.Duration{Duration: time.Hour} })

	wd, err := h.eng.Transfer(h.ctx, TransferRequest{
		AccountID:   "alice",
		Amount:      2000,
		Destination: Destination{Kind: DestBank, Address: "12345678"},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.expectBalances("alice", 7950, 0, 0)

	if _, err := h.eng.ReverseClearing(h.ctx, wd.Entry.ReferenceNumber, "rail rejected"); err != nil {
		t.Fatalf("ReverseClearing() error: %v", err)
	}
	h.expectBalances("alice", 10000, 0, 0)
	h.expectReconciled("alice")

	reserve, _ := h.eng.Reserve(h.ctx)
	if reserve.TotalBalance != 0 || reserve.FeeAccumulation != 0 {
		t.Errorf("reserve = %+v, want fee refunded", reserve)
	}
	if _, err := h.eng.ReverseClearing(h.ctx, "NO-SUCH-REF", ""); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("unknown reference error = %v, want ErrEntryNotFound", err)
	}
}

// ─── Reserve and referrals ──────────────────────────────────────────────────

func TestWithdrawalFee(t *testing.T) {
	tests := []struct {
		name    string
		entry   models.LedgerEntry
		want    int64
		wantErr bool
	}{
		{"fee", models.LedgerEntry{Type: models.EntryWithdrawal, Metadata: map[string]string{"fee": "50"}}, 50, false},
		{"no fee recorded", models.LedgerEntry{Type: models.EntryWithdrawal}, 0, false},
		{"deposit ignores metadata", models.LedgerEntry{Type: models.EntryDeposit, Metadata: map[string]string{"fee": "x"}}, 0, false},
		{"corrupt", models.LedgerEntry{Type: models.EntryWithdrawal, Metadata: map[string]string{"fee": "5O"}}, 0, true},
		{"negative", models.LedgerEntry{Type: models.EntryWithdrawal, Metadata: map[string]string{"fee": "-50"}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := withdrawalFee(&tt.entry)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("withdrawalFee() = %d, %v; want %d, error %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestContributeReserve(t *testing.T) {
	h := newHarness(t)

	res, err := h.eng.ContributeReserve(h.ctx, 50000, "RSV-SEED-2026")
	if err != nil {
		t.Fatalf("ContributeReserve() error: %v", err)
	}
	if res.Reserve.TotalBalance != 50000 || res.Replayed {
		t.Errorf("result = %+v", res)
	}

	again, err := h.eng.ContributeReserve(h.ctx, 50000, "RSV-SEED-2026")
	if err != nil || !again.Replayed || again.Reserve.TotalBalance != 50000 {
		t.Errorf("replay = %+v, %v; want replayed with unchanged balance", again, err)
	}
	if _, err := h.eng.ContributeReserve(h.ctx, 999, "RSV-SEED-2026"); !errors.Is(err, ErrConflict) {
		t.Errorf("replay with different amount error = %v, want ErrConflict", err)
	}

	moves, _ := h.eng.ReserveMovements(h.ctx, 0)
	if len(moves) != 1 || moves[0].Kind != models.ReserveContribution {
		t.Errorf("movements = %+v", moves)
	}
}

func TestCreditReferralCommission(t *testing.T) {
	h := newHarness(t)
	h.member("alice", 0)
	h.member("bob", 0)

	res, err := h.eng.CreditReferralCommission(h.ctx, ReferralRequest{
		ReferrerID: "alice", ReferredAccountID: "bob", Amount: 750,
	})
	if err != nil {
		t.Fatalf("CreditReferralCommission() error: %v", err)
	}
	if res.Entry.Type != models.EntryReferralCommission || res.Entry.Status != models.StatusCompleted {
		t.Errorf("entry = %+v", res.Entry)
	}
	h.expectBalances("alice", 750, 0, 0)

	entries, _ := h.eng.Entries(h.ctx, "alice", storage.EntryQuery{Type: models.EntryReferralCommission})
	if len(entries) != 1 {
		t.Errorf("filtered entries = %d, want 1", len(entries))
	}
	ref := res.Entry.ReferenceNumber
	again, err := h.eng.CreditReferralCommission(h.ctx, ReferralRequest{
		ReferrerID: "alice", ReferredAccountID: "bob", Amount: 750, Reference: ref,
	})
	if err != nil || !again.Replayed {
		t.Errorf("replay = %+v, %v; want replayed", again, err)
	}
	if _, err := h.eng.CreditReferralCommission(h.ctx, ReferralRequest{
		ReferrerID: "alice", ReferredAccountID: "bob", Amount: 900, Reference: ref,
	}); !errors.Is(err, ErrConflict) {
		t.Errorf("replay with different amount error = %v, want ErrConflict", err)
	}
	h.expectBalances("alice", 750, 0, 0)

	if _, err := h.eng.CreditReferralCommission(h.ctx, ReferralRequest{
		ReferrerID: "alice", ReferredAccountID: "alice", Amount: 750,
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("self referral error = %v, want ErrValidation", err)
	}
}
