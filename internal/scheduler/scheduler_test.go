package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/storage/sqlite"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerRunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New(quietLogger(), Job{Name: "count", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() >= 3 })
	s.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Errorf("job ran after Stop: %d -> %d", after, runs.Load())
	}
	s.Stop()
}

func TestSchedulerSurvivesFailuresAndPanics(t *testing.T) {
	var failing, panicking atomic.Int32
	s := New(quietLogger(),
		Job{Name: "fail", Every: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("boom")
		}},
		Job{Name: "panic", Every: 5 * time.Millisecond, Run: func(context.Context) error {
			panicking.Add(1)
			panic("bad row")
		}},
	)
	s.Start(context.Background())
	waitFor(t, func() bool { return failing.Load() >= 2 && panicking.Load() >= 2 })
	s.Stop()
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(quietLogger(), Job{Name: "count", Every: time.Hour, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Start(ctx)
	waitFor(t, func() bool { return runs.Load() == 1 })
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestNewDropsDisabledJobs(t *testing.T) {
	s := New(quietLogger(),
		Job{Name: "off", Every: 0, Run: func(context.Context) error { return nil }},
		Job{Name: "nil", Every: time.Second},
		Job{Name: "on", Every: time.Second, Run: func(context.Context) error { return nil }},
	)
	if len(s.jobs) != 1 || s.jobs[0].Name != "on" {
		t.Errorf("jobs = %+v, want only %q", s.jobs, "on")
	}
}

func TestLedgerJobsReleaseClearing(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	pol := config.DefaultEngineConfig()
	pol.ClearingDelay = config.Duration{}
	eng := engine.New(store, config.StaticPolicy(pol), engine.WithLogger(quietLogger()))
	if _, err := eng.OpenAccount(ctx, engine.OpenAccountRequest{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Deposit(ctx, engine.DepositRequest{AccountID: "alice", Amount: 10000}); err != nil {
		t.Fatal(err)
	}

	jobs := LedgerJobs(eng, Intervals{Clearing: time.Hour, Interest: 0, Sweep: 0})
	s := New(quietLogger(), jobs...)
	if len(s.jobs) != 2 {
		t.Fatalf("enabled jobs = %d, want clearing and limiter sweep", len(s.jobs))
	}
	s.Start(ctx)
	waitFor(t, func() bool {
		acct, err := eng.Account(ctx, "alice")
		return err == nil && acct.LiquidBalance == 10000
	})
	s.Stop()
}
