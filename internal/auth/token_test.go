package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", "coop-ledger", time.Hour)

	raw, err := tm.Generate("alice", RoleMember)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	claims, err := tm.Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if claims.AccountID != "alice" || claims.Role != RoleMember {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	tm := NewTokenManager("secret", "coop-ledger", time.Hour)
	good, _ := tm.Generate("alice", RoleAdmin)

	otherKey, _ := NewTokenManager("other", "coop-ledger", time.Hour).Generate("alice", RoleAdmin)
	otherIssuer, _ := NewTokenManager("secret", "someone-else", time.Hour).Generate("alice", RoleAdmin)
	expired, _ := NewTokenManager("secret", "coop-ledger", -time.Minute).Generate("alice", RoleAdmin)

	tests := []struct {
		name string
		raw  string
	}{
		{"wrong key", otherKey},
		{"wrong issuer", otherIssuer},
		{"expired", expired},
		{"truncated", good[:len(good)-4]},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tm.Parse(tt.raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestGenerateUnknownRole(t *testing.T) {
	tm := NewTokenManager("secret", "coop-ledger", time.Hour)
	if _, err := tm.Generate("alice", "root"); err == nil {
		t.Error("Generate() accepted an unknown role")
	}
}
