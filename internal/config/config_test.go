package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("expected overridden addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ShutdownTimeout != 20*time.Second {
		t.Fatalf("expected default shutdown timeout, got %s", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Database.QueryTimeout != 5*time.Second {
		t.Fatalf("expected default query timeout, got %s", cfg.Database.QueryTimeout)
	}
	if cfg.Ledger.RelaySchedule != "@every 30s" {
		t.Fatalf("unexpected relay schedule %q", cfg.Ledger.RelaySchedule)
	}
	if cfg.Points != DefaultPointsPolicy() {
		t.Fatalf("expected default points policy, got %+v", cfg.Points)
	}
}

func TestFromEnvPointsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.yaml")
	if err := os.WriteFile(path, []byte("group_post_cost: 75\nsignup_bonus: 0\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("POINTS_POLICY_FILE", path)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Points.GroupPostCost != 75 || cfg.Points.SignupBonus != 0 {
		t.Fatalf("policy file not applied: %+v", cfg.Points)
	}
	if cfg.Points.IndividualPostCost != 20 {
		t.Fatalf("missing keys should keep defaults: %+v", cfg.Points)
	}
}

func TestLoadPointsPolicyRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.yaml")
	if err := os.WriteFile(path, []byte("individual_post_cost: 0\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadPointsPolicyFromPath(path); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := LoadPointsPolicyFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidateRealtimeNeedsDatabase(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "key")
	t.Setenv("DATABASE_URL", "")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}
