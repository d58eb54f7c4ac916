package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hongminglow/coop-ledger/internal/auth"
	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/storage/sqlite"
)

func newTestHandler(t *testing.T) (http.Handler, *auth.TokenManager) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, config.StaticPolicy(config.DefaultEngineConfig()), engine.WithLogger(logger))
	tokens := auth.NewTokenManager("secret", "coop-ledger", time.Hour)
	cfg := config.Config{Port: "0", CORSOrigins: []string{"https://app.example"}}
	return Routes(cfg, eng, store, tokens, logger), tokens
}

func TestRoutes(t *testing.T) {
	h, tokens := newTestHandler(t)
	admin, _ := tokens.Generate("ops", auth.RoleAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"ready", http.MethodGet, "/ready", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"api needs token", http.MethodGet, "/v1/accounts/me", "", http.StatusUnauthorized},
		{"admin job", http.MethodPost, "/v1/jobs/defaults", admin, http.StatusOK},
		{"admin reserve movements", http.MethodGet, "/v1/admin/reserve/movements", admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRoutes_MetricsExposeLedgerCollectors(t *testing.T) {
	h, tokens := newTestHandler(t)
	admin, _ := tokens.Generate("ops", auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/clearing", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "coopledger_jobs_runs_total") {
		t.Error("metrics output is missing coopledger_jobs_runs_total")
	}
}

func TestRoutes_CORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/deposits", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow origin = %q", got)
	}
}
