package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/R3E-Network/engagement_layer/internal/config"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_ADDR", "SUPABASE_URL", "FIREBASE_CREDENTIALS_PATH", "POINTS_POLICY_FILE"} {
		t.Setenv(key, "")
	}
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("FEED_CACHE_SIZE", "16")
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestNewApplicationInMemory(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewApplication(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if a.App() == nil || a.db != nil || a.redis != nil {
		t.Fatalf("expected in-memory wiring")
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Points.GroupPostCost = 75
	cfg.Points.SignupBonus = 10

	opts := optionsFromConfig(cfg)
	if opts.Policy.GroupCost != 75 || opts.Policy.IndividualCost != 20 {
		t.Fatalf("unexpected policy: %+v", opts.Policy)
	}
	if opts.SignupBonus != 10 || opts.LikeReward != 1 {
		t.Fatalf("unexpected rewards: %+v", opts)
	}
	if opts.StoreTimeout != 5*time.Second {
		t.Fatalf("unexpected store timeout: %s", opts.StoreTimeout)
	}
	if opts.Notifications.Workers != 4 || opts.RelaySchedule != "@every 30s" {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected split: %v", got)
	}
	if splitCSV("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}
