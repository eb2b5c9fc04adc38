package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
)

func newFundedAccount(t *testing.T, store *Store, balance int64) account.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := store.CreateAccount(ctx, account.Account{ID: "user-1"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if balance > 0 {
		if _, err := store.Credit(ctx, ledger.Entry{AccountID: acct.ID, Delta: balance, Reason: ledger.ReasonSignupBonus}); err != nil {
			t.Fatalf("fund account: %v", err)
		}
	}
	return acct
}

func TestStoreDebitConcurrentNeverOverdraws(t *testing.T) {
	store := New()
	acct := newFundedAccount(t, store, 25)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, refused := 0, 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.DebitIfSufficient(ctx, ledger.Entry{AccountID: acct.ID, Delta: -20, Reason: ledger.ReasonSpendPost})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, storage.ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || refused != 1 {
		t.Fatalf("expected one success and one refusal, got %d/%d", succeeded, refused)
	}
	got, _ := store.GetAccount(ctx, acct.ID)
	if got.PointsBalance != 5 {
		t.Fatalf("expected balance 5, got %d", got.PointsBalance)
	}
}

func TestStoreBalanceEqualsSumOfEntries(t *testing.T) {
	store := New()
	acct := newFundedAccount(t, store, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.DebitIfSufficient(ctx, ledger.Entry{AccountID: acct.ID, Delta: -30, Reason: ledger.ReasonSpendPost})
		}()
		go func() {
			defer wg.Done()
			_, _ = store.Credit(ctx, ledger.Entry{AccountID: acct.ID, Delta: 1, Reason: ledger.ReasonEarnLike})
		}()
	}
	wg.Wait()

	entries, err := store.ListEntries(ctx, acct.ID, 0, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	got, _ := store.GetAccount(ctx, acct.ID)
	if got.PointsBalance != sum {
		t.Fatalf("balance %d != sum of entries %d", got.PointsBalance, sum)
	}
	if got.PointsBalance < 0 {
		t.Fatalf("balance went negative: %d", got.PointsBalance)
	}
}

func TestStoreCreditIdempotencyKey(t *testing.T) {
	store := New()
	acct := newFundedAccount(t, store, 0)
	ctx := context.Background()

	first, err := store.Credit(ctx, ledger.Entry{AccountID: acct.ID, Delta: 20, Reason: ledger.ReasonSpendPost, IdempotencyKey: ledger.RefundKey(7)})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	second, err := store.Credit(ctx, ledger.Entry{AccountID: acct.ID, Delta: 20, Reason: ledger.ReasonSpendPost, IdempotencyKey: ledger.RefundKey(7)})
	if err != nil {
		t.Fatalf("replayed credit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay should return the original entry")
	}
	got, _ := store.GetAccount(ctx, acct.ID)
	if got.PointsBalance != 20 {
		t.Fatalf("expected balance 20 after replay, got %d", got.PointsBalance)
	}
}

func TestStoreFindEntryByKey(t *testing.T) {
	store := New()
	acct := newFundedAccount(t, store, 50)
	ctx := context.Background()

	debit, err := store.DebitIfSufficient(ctx, ledger.Entry{AccountID: acct.ID, Delta: -20, Reason: ledger.ReasonSpendPost, IdempotencyKey: "post:9"})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	found, err := store.FindEntry(ctx, acct.ID, "post:9")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != debit.ID || found.Delta != -20 {
		t.Fatalf("unexpected entry: %+v", found)
	}
	if _, err := store.FindEntry(ctx, acct.ID, "post:10"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreListPostsScopesAndKeyset(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.CreateRegion(ctx, account.Region{ID: 3, Name: "north"}); err != nil {
		t.Fatalf("create region: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	regions := []int64{3, 1, 7, 0, 3}
	for i, region := range regions {
		p := post.Post{ID: int64(i + 1), AuthorID: "a", RegionID: region, Kind: post.KindIndividual, Content: "x", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if _, err := store.CreatePost(ctx, p); err != nil {
			t.Fatalf("create post: %v", err)
		}
	}

	in, err := store.ListPosts(ctx, storage.PostQuery{Scope: storage.ScopeIn, Regions: []int64{3, 1}})
	if err != nil {
		t.Fatalf("list in: %v", err)
	}
	assertIDs(t, in, 5, 2, 1)

	out, err := store.ListPosts(ctx, storage.PostQuery{Scope: storage.ScopeNotIn, Regions: []int64{3, 1}})
	if err != nil {
		t.Fatalf("list not in: %v", err)
	}
	assertIDs(t, out, 4, 3)

	page, err := store.ListPosts(ctx, storage.PostQuery{After: &storage.Keyset{CreatedAt: in[0].CreatedAt, ID: in[0].ID}, Limit: 2})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	assertIDs(t, page, 4, 3)
}

func TestStoreDeleteRegionDetachesPosts(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, _ = store.CreateRegion(ctx, account.Region{ID: 9, Name: "gone"})
	_, _ = store.CreatePost(ctx, post.Post{ID: 1, RegionID: 9, Kind: post.KindIndividual, Content: "x"})

	store.DeleteRegion(ctx, 9)

	p, err := store.GetPost(ctx, 1)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if p.RegionID != 0 {
		t.Fatalf("expected detached region, got %d", p.RegionID)
	}
	if ok, _ := store.RegionExists(ctx, 9); ok {
		t.Fatalf("region should be gone")
	}
}

func TestStoreToggleReactionEvents(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, _ = store.CreatePost(ctx, post.Post{ID: 42, AuthorID: "author", Kind: post.KindIndividual, Content: "x"})

	state, events, err := store.ToggleReaction(ctx, 42, "u", reaction.Like)
	if err != nil || state != reaction.StateLiked || len(events) != 1 || events[0].Op != reaction.OpInsert {
		t.Fatalf("first toggle: state=%q events=%v err=%v", state, events, err)
	}

	state, events, err = store.ToggleReaction(ctx, 42, "u", reaction.Dislike)
	if err != nil || state != reaction.StateDisliked || len(events) != 2 {
		t.Fatalf("switch toggle: state=%q events=%v err=%v", state, events, err)
	}
	if events[0].Op != reaction.OpDelete || events[1].Op != reaction.OpInsert || events[1].Seq <= events[0].Seq {
		t.Fatalf("unexpected switch events: %+v", events)
	}

	state, _, err = store.ToggleReaction(ctx, 42, "u", reaction.Dislike)
	if err != nil || state != reaction.StateNone {
		t.Fatalf("retract toggle: state=%q err=%v", state, err)
	}

	snap, err := store.ReactionSnapshot(ctx, 42)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Reactions) != 0 || snap.Watermark != 4 || snap.AuthorID != "author" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	tail, err := store.ListReactionEvents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 3 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	if _, _, err := store.ToggleReaction(ctx, 99, "u", reaction.Like); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing post, got %v", err)
	}
}

func assertIDs(t *testing.T, posts []post.Post, ids ...int64) {
	t.Helper()
	if len(posts) != len(ids) {
		t.Fatalf("expected %d posts, got %d", len(ids), len(posts))
	}
	for i, id := range ids {
		if posts[i].ID != id {
			t.Fatalf("position %d: expected post %d, got %d", i, id, posts[i].ID)
		}
	}
}
