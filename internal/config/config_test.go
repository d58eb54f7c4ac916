package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/coop")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("PORT", "")
	t.Setenv("JWT_TTL_MINUTES", "")
	t.Setenv("CLEARING_INTERVAL", "30m")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Errorf("DatabaseDriver = %q, want %q", cfg.DatabaseDriver, DriverPostgres)
	}
	if cfg.JWTTTL != time.Hour {
		t.Errorf("JWTTTL = %v, want 1h", cfg.JWTTTL)
	}
	if cfg.ClearingInterval != 30*time.Minute {
		t.Errorf("ClearingInterval = %v, want 30m", cfg.ClearingInterval)
	}
	if cfg.SchedulerEnabled {
		t.Error("SchedulerEnabled = true, want false")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	if cfg.HTTPAddress() != ":8080" {
		t.Errorf("HTTPAddress() = %q", cfg.HTTPAddress())
	}
}

func TestLoad_MissingSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/coop")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() without JWT_SECRET should fail")
	}

	t.Setenv("JWT_SECRET", "x")
	t.Setenv("DATABASE_DRIVER", "mysql")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with unsupported driver should fail")
	}
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultEngineConfig().Validate() error: %v", err)
	}
	if !cfg.CollateralCeilingRatio.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("CollateralCeilingRatio = %s, want 0.5", cfg.CollateralCeilingRatio)
	}
	if cfg.ClearingDelay.Duration != 24*time.Hour {
		t.Errorf("ClearingDelay = %v, want 24h", cfg.ClearingDelay)
	}
	if rl := cfg.RateLimitFor("deposit"); rl != DefaultRateLimit {
		t.Errorf("RateLimitFor(deposit) = %+v, want default", rl)
	}
}

func TestLoadEngineConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	body := `
maintenance = true
vault_interest_rate = "0.01"
collateral_ceiling_ratio = "0.4"
clearing_delay = "12h"
withdrawal_fee = 250
internal_transfer_clearing = true

[rate_limits.transfer]
limit = 3
window = "10m"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig() error: %v", err)
	}
	if !cfg.Maintenance {
		t.Error("Maintenance = false, want true")
	}
	if !cfg.VaultInterestRate.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("VaultInterestRate = %s, want 0.01", cfg.VaultInterestRate)
	}
	if cfg.ClearingDelay.Duration != 12*time.Hour {
		t.Errorf("ClearingDelay = %v, want 12h", cfg.ClearingDelay)
	}
	if cfg.WithdrawalFee != 250 {
		t.Errorf("WithdrawalFee = %d, want 250", cfg.WithdrawalFee)
	}
	rl := cfg.RateLimitFor("transfer")
	if rl.Limit != 3 || rl.Window.Duration != 10*time.Minute {
		t.Errorf("RateLimitFor(transfer) = %+v, want 3 per 10m", rl)
	}
	// Unset keys keep their defaults.
	if cfg.LoanDurationDays != 30 {
		t.Errorf("LoanDurationDays = %d, want 30", cfg.LoanDurationDays)
	}
}

func TestLoadEngineConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte(`collateral_ceiling_ratio = "1.5"`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("LoadEngineConfig() accepted a ceiling ratio above 1")
	}
}

func TestPolicyStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte(`maintenance = false`), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := NewPolicyStore(path)
	if err != nil {
		t.Fatalf("NewPolicyStore() error: %v", err)
	}
	if store.Policy().Maintenance {
		t.Fatal("Maintenance = true before reload")
	}

	if err := os.WriteFile(path, []byte(`maintenance = true`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if !store.Policy().Maintenance {
		t.Error("Maintenance = false after reload")
	}

	if err := os.WriteFile(path, []byte(`batch_size = 0`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("Reload() accepted batch_size = 0")
	}
	if !store.Policy().Maintenance {
		t.Error("failed reload replaced the policy in force")
	}
}
