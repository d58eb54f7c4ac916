package config

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Duration is a time.Duration that decodes from strings such as "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RateLimit caps how many calls of one operation kind an account may make
// within a sliding window.
type RateLimit struct {
	Limit  int      `toml:"limit"`
	Window Duration `toml:"window"`
}

// EngineConfig is the money-movement policy. The engine snapshots it at the
// start of every operation and job.
type EngineConfig struct {
	Maintenance bool `toml:"maintenance"`

	VaultInterestRate      decimal.Decimal `toml:"vault_interest_rate"`
	LoanInterestRate       decimal.Decimal `toml:"loan_interest_rate"`
	CollateralCeilingRatio decimal.Decimal `toml:"collateral_ceiling_ratio"`
	CollateralLockRatio    decimal.Decimal `toml:"collateral_lock_ratio"`

	LoanDurationDays int      `toml:"loan_duration_days"`
	CapitalLockDays  int      `toml:"capital_lock_days"`
	MinLoanAmount    int64    `toml:"min_loan_amount"`
	MaxLoanAmount    int64    `toml:"max_loan_amount"`
	MinAccountAge    Duration `toml:"min_account_age"`
	RequireKYC       bool     `toml:"require_kyc"`

	ClearingDelay            Duration `toml:"clearing_delay"`
	MinDepositAmount         int64    `toml:"min_deposit_amount"`
	MaxDepositAmount         int64    `toml:"max_deposit_amount"`
	MinTransferAmount        int64    `toml:"min_transfer_amount"`
	MaxTransferAmount        int64    `toml:"max_transfer_amount"`
	WithdrawalFee            int64    `toml:"withdrawal_fee"`
	InternalTransferClearing bool     `toml:"internal_transfer_clearing"`

	BatchSize          int      `toml:"batch_size"`
	InterestStaleAfter Duration `toml:"interest_stale_after"`

	RateLimits map[string]RateLimit `toml:"rate_limits"`
}

// DefaultRateLimit applies to operation kinds without an explicit entry.
var DefaultRateLimit = RateLimit{Limit: 10, Window: Duration{time.Minute}}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		VaultInterestRate:      decimal.RequireFromString("0.005"),
		LoanInterestRate:       decimal.RequireFromString("0.05"),
		CollateralCeilingRatio: decimal.RequireFromString("0.5"),
		CollateralLockRatio:    decimal.NewFromInt(1),

		LoanDurationDays: 30,
		CapitalLockDays:  30,
		MinLoanAmount:    1_000,
		MaxLoanAmount:    10_000_000,
		MinAccountAge:    Duration{30 * 24 * time.Hour},
		RequireKYC:       true,

		ClearingDelay:     Duration{24 * time.Hour},
		MinDepositAmount:  100,
		MaxDepositAmount:  100_000_000,
		MinTransferAmount: 100,
		MaxTransferAmount: 50_000_000,

		BatchSize:          100,
		InterestStaleAfter: Duration{6 * time.Hour},

		RateLimits: map[string]RateLimit{},
	}
}

// RateLimitFor returns the limit for an operation kind.
func (c EngineConfig) RateLimitFor(op string) RateLimit {
	if rl, ok := c.RateLimits[op]; ok && rl.Limit > 0 && rl.Window.Duration > 0 {
		return rl
	}
	return DefaultRateLimit
}

// Validate rejects policies that would break ledger invariants.
func (c EngineConfig) Validate() error {
	var errs []error
	if c.VaultInterestRate.IsNegative() {
		errs = append(errs, errors.New("vault_interest_rate must not be negative"))
	}
	if c.LoanInterestRate.IsNegative() {
		errs = append(errs, errors.New("loan_interest_rate must not be negative"))
	}
	if !c.CollateralCeilingRatio.IsPositive() || c.CollateralCeilingRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("collateral_ceiling_ratio must be in (0, 1]"))
	}
	if !c.CollateralLockRatio.IsPositive() {
		errs = append(errs, errors.New("collateral_lock_ratio must be positive"))
	}
	if c.LoanDurationDays <= 0 {
		errs = append(errs, errors.New("loan_duration_days must be positive"))
	}
	if c.CapitalLockDays < 0 {
		errs = append(errs, errors.New("capital_lock_days must not be negative"))
	}
	if c.MinLoanAmount <= 0 || c.MaxLoanAmount < c.MinLoanAmount {
		errs = append(errs, errors.New("loan amount bounds are invalid"))
	}
	if c.MinDepositAmount <= 0 || c.MaxDepositAmount < c.MinDepositAmount {
		errs = append(errs, errors.New("deposit amount bounds are invalid"))
	}
	if c.MinTransferAmount <= 0 || c.MaxTransferAmount < c.MinTransferAmount {
		errs = append(errs, errors.New("transfer amount bounds are invalid"))
	}
	if c.WithdrawalFee < 0 {
		errs = append(errs, errors.New("withdrawal_fee must not be negative"))
	}
	if c.ClearingDelay.Duration < 0 {
		errs = append(errs, errors.New("clearing_delay must not be negative"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	return errors.Join(errs...)
}

// LoadEngineConfig decodes a TOML policy file over the defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return cfg, nil
}

// PolicySource hands out the policy in force right now.
type PolicySource interface {
	Policy() EngineConfig
}

// StaticPolicy is a fixed PolicySource.
type StaticPolicy EngineConfig

// Policy implements PolicySource.
func (p StaticPolicy) Policy() EngineConfig { return EngineConfig(p) }

// PolicyStore is a PolicySource backed by a TOML file that can be reloaded
// while the engine runs.
type PolicyStore struct {
	path    string
	current atomic.Pointer[EngineConfig]
}

// NewPolicyStore loads path (or defaults when path is empty).
func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Policy implements PolicySource.
func (s *PolicyStore) Policy() EngineConfig {
	return *s.current.Load()
}

// Reload re-reads the policy file. On error the previous policy stays in force.
func (s *PolicyStore) Reload() error {
	cfg, err := LoadEngineConfig(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}

// Set replaces the policy in force, e.g. to flip the maintenance switch.
func (s *PolicyStore) Set(cfg EngineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}
