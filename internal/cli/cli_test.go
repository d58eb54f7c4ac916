package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hongminglow/coop-ledger/internal/auth"
	"github.com/hongminglow/coop-ledger/internal/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Commands are package globals; reset flags a previous run may have set.
	_ = tokenCmd.Flags().Set("account", "")
	_ = tokenCmd.Flags().Set("role", auth.RoleMember)
	_ = tokenCmd.Flags().Set("ttl", time.Hour.String())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("JWT_ISSUER", "")

	out, err := execute(t, "token", "--account", "alice", "--role", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := auth.NewTokenManager("cli-secret", "coop-ledger", time.Hour).Parse(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims.AccountID != "alice" || claims.Role != auth.RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenCommand_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		args    []string
		wantErr string
	}{
		{"no secret", "", []string{"token", "--account", "alice"}, "JWT_SECRET"},
		{"no account", "s", []string{"token"}, "--account"},
		{"bad role", "s", []string{"token", "--account", "alice", "--role", "root"}, "unknown role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", tt.secret)
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestJobsCommand(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("POLICY_FILE", "")

	for _, job := range []string{engine.JobClearing, engine.JobInterest, engine.JobDefaults} {
		t.Run(job, func(t *testing.T) {
			out, err := execute(t, "jobs", job)
			if err != nil {
				t.Fatalf("jobs %s: %v", job, err)
			}
			var sum engine.JobSummary
			if err := json.Unmarshal([]byte(out), &sum); err != nil {
				t.Fatalf("decode summary %q: %v", out, err)
			}
			if sum.Job != job || sum.ProcessedCount != 0 {
				t.Errorf("summary = %+v", sum)
			}
		})
	}
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "migrate.db"))
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := execute(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema up to date (sqlite)") {
		t.Errorf("output = %q", out)
	}
}

func TestMigrateCommand_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "cli-secret")

	if _, err := execute(t, "migrate"); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("err = %v, want DATABASE_URL error", err)
	}
}
