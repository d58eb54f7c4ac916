// Package engine implements the cooperative ledger: three-bucket member
// accounts, deposits and transfers with clearing, peer-funded loans backed by
// a reserve fund, and the batch jobs that settle them.
//
// Every operation runs in one storage transaction and either applies all of
// its balance changes and ledger entries or none of them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/metrics"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/ratelimit"
	"github.com/hongminglow/coop-ledger/internal/refnum"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// Operation names used for rate limits and metrics.
const (
	OpDeposit     = "deposit"
	OpTransfer    = "transfer"
	OpLoanRequest = "loan_request"
	OpLoanFund    = "loan_fund"
	OpLoanRepay   = "loan_repay"
	OpLoanCancel  = "loan_cancel"
	OpReserve     = "reserve_contribute"
	OpReferral    = "referral_commission"
	OpReverse     = "reverse_clearing"
	OpOpenAccount = "open_account"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Engine executes ledger operations against a Store.
type Engine struct {
	store   storage.Store
	policy  config.PolicySource
	clock   Clock
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithLimiter shares a rate limiter between engines.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// New creates an Engine.
func New(store storage.Store, policy config.PolicySource, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		policy:  policy,
		clock:   realClock{},
		limiter: ratelimit.New(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limiter exposes the rate limiter so callers can sweep idle keys.
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// memberGuard applies the checks shared by member-facing mutations:
// maintenance mode and the per-account rate limit.
func (e *Engine) memberGuard(pol config.EngineConfig, accountID, op string) error {
	if pol.Maintenance {
		return ErrMaintenance
	}
	rl := pol.RateLimitFor(op)
	if !e.limiter.Allow(accountID, op, ratelimit.Limit{Max: rl.Limit, Window: rl.Window.Duration}, e.now()) {
		metrics.RateLimited.WithLabelValues(op).Inc()
		return ErrRateLimited
	}
	return nil
}

// finish records metrics for one operation and logs infrastructure failures.
func (e *Engine) finish(op string, started time.Time, replayed bool, err error) {
	outcome := "ok"
	switch {
	case err == nil && replayed:
		outcome = "replayed"
	case err == nil:
	case IsBusinessError(err):
		outcome = "rejected"
	default:
		outcome = "error"
		e.log.Error("ledger operation failed", "op", op, "error", err)
	}
	metrics.ObserveOperation(op, outcome, started)
}

// reference normalizes a caller-supplied reference or generates one.
func reference(ref, prefix string, now time.Time) (string, error) {
	if ref == "" {
		return refnum.New(prefix, now), nil
	}
	ref = refnum.Normalize(ref)
	if err := refnum.Validate(ref); err != nil {
		return "", invalid("reference", "%v", err)
	}
	return ref, nil
}

func checkRange(amount, min, max int64) error {
	if amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if amount < min || amount > max {
		return ErrAmountOutOfRange
	}
	return nil
}

// lockAccounts locks ids and maps a missing row to ErrAccountNotFound.
func lockAccounts(ctx context.Context, tx storage.Tx, ids ...string) (map[string]*models.Account, error) {
	accts, err := tx.LockAccounts(ctx, ids...)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return accts, err
}

func lockLoan(ctx context.Context, tx storage.Tx, id string) (*models.Loan, error) {
	loan, err := tx.LockLoan(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLoanNotFound
	}
	return loan, err
}

func requireActive(acct *models.Account) error {
	if !acct.Active {
		return ErrAccountInactive
	}
	return nil
}

func newID() string { return uuid.NewString() }
