package app

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/services/posts"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

func TestApplicationLifecycle(t *testing.T) {
	application, err := New(Stores{}, DefaultOptions(), logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := application.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewDefaultsZeroPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = posts.Policy{}
	application, err := New(Stores{}, opts, logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if got := application.Posts.Policy(); got != posts.DefaultPolicy() {
		t.Fatalf("expected default policy, got %+v", got)
	}

	ctx := context.Background()
	if _, err := application.Accounts.Register(ctx, "alice", account.GlobalRegionID); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := application.Posts.CreatePost(ctx, "alice", post.Draft{Kind: post.KindIndividual, Content: "hello"}); err != nil {
		t.Fatalf("create post: %v", err)
	}
}
