//go:build integration && postgres

package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/engagement_layer/internal/app"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/engagement_layer/internal/middleware"
	"github.com/R3E-Network/engagement_layer/internal/platform/migrations"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// Runs the HTTP surface against Postgres to check migrations and the core
// flows with persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Up(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := postgres.New(db)
	application, err := app.New(app.Stores{
		Accounts:      store,
		Ledger:        store,
		Compensations: store,
		Posts:         store,
		Reactions:     store,
		Notifications: store,
	}, app.DefaultOptions(), logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(ctx) })

	h := NewHandler(application, Options{Auth: middleware.NewAuthMiddleware(testSecret, "authenticated", logger.Discard())}, logger.Discard())

	author := fmt.Sprintf("it-author-%d", os.Getpid())
	liker := fmt.Sprintf("it-liker-%d", os.Getpid())
	register(t, h, author)
	register(t, h, liker)

	p := createPost(t, h, author, "persisted")
	rec := serve(h, authedRequest(t, http.MethodPost, fmt.Sprintf("/posts/%d/reactions", p.ID), liker, marshal(map[string]string{"type": "like"})))
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: status %d body %s", rec.Code, rec.Body.String())
	}

	got, err := application.Posts.GetPost(ctx, p.ID)
	if err != nil || got.Kind != post.KindIndividual {
		t.Fatalf("reload post: %+v %v", got, err)
	}
	balance, err := application.Ledger.Balance(ctx, author)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100-20+1 {
		t.Fatalf("expected balance 81, got %d", balance)
	}
}
