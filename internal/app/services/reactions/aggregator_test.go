package reactions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/services/accounts"
	ledgersvc "github.com/R3E-Network/engagement_layer/internal/app/services/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/internal/app/storage/memory"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

const testPostID int64 = 1

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingNotifier) Notify(recipientID, actorID string, kind notification.Type, postID int64, dedupKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, fmt.Sprintf("%s<-%s:%s:%s", recipientID, actorID, kind, dedupKey))
}

func (r *recordingNotifier) distinct() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.sent))
	for _, s := range r.sent {
		out[s] = struct{}{}
	}
	return out
}

type fixture struct {
	store    *memory.Store
	ledger   *ledgersvc.Service
	notifier *recordingNotifier
	agg      *Aggregator
}

// newFixture wires an aggregator to a local stream, the way the process runs
// without an external change feed.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	led := ledgersvc.New(store, store, time.Second, logger.Discard())
	accts := accounts.New(store, led, 0, logger.Discard())
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := accts.Register(ctx, id, account.GlobalRegionID)
		require.NoError(t, err)
	}
	_, err := store.CreatePost(ctx, post.Post{ID: testPostID, AuthorID: "alice", RegionID: account.GlobalRegionID, Kind: post.KindIndividual, Content: "hi"})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	agg := New(store, Config{LikeReward: 1}, logger.Discard())
	agg.WithRewards(led)
	agg.WithNotifier(notifier)

	stream := NewLocalStream()
	stream.Subscribe(agg.HandleEvent)
	agg.WithPublisher(stream)

	return &fixture{store: store, ledger: led, notifier: notifier, agg: agg}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestToggleConvergesThroughLocalStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg, err := f.agg.Toggle(ctx, testPostID, "bob", reaction.Like)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.LikeCount)
	assert.Equal(t, reaction.StateLiked, agg.ViewerReaction)
	assert.False(t, agg.Pending, "local stream confirms synchronously")

	agg, err = f.agg.Toggle(ctx, testPostID, "bob", reaction.Dislike)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.LikeCount)
	assert.Equal(t, int64(1), agg.DislikeCount)
	assert.Equal(t, reaction.StateDisliked, agg.ViewerReaction)

	agg, err = f.agg.Toggle(ctx, testPostID, "bob", reaction.Dislike)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.DislikeCount)
	assert.Equal(t, reaction.StateNone, agg.ViewerReaction)
}

func TestLikeRewardPaidOncePerLiker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// like, unlike, like again
	for i := 0; i < 3; i++ {
		_, err := f.agg.Toggle(ctx, testPostID, "bob", reaction.Like)
		require.NoError(t, err)
	}
	_, err := f.agg.Toggle(ctx, testPostID, "carol", reaction.Like)
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.balance(t, "alice"))
	assert.Equal(t, map[string]struct{}{
		"alice<-bob:like:like:1:bob":     {},
		"alice<-carol:like:like:1:carol": {},
	}, f.notifier.distinct())
}

func TestAuthorLikeHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg, err := f.agg.Toggle(ctx, testPostID, "alice", reaction.Like)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.LikeCount)
	assert.Equal(t, int64(0), f.balance(t, "alice"))
	assert.Empty(t, f.notifier.distinct())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := reaction.Event{Seq: 5, PostID: testPostID, UserID: "bob", Type: reaction.Like, Op: reaction.OpInsert}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.agg.Reconcile(ctx, ev))
	}
	agg, err := f.agg.Aggregate(ctx, testPostID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.LikeCount)
	assert.Equal(t, reaction.StateLiked, agg.ViewerReaction)
	assert.Equal(t, int64(1), f.balance(t, "alice"))
}

func TestReconcileKeepsHighestSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	events := []reaction.Event{
		{Seq: 7, PostID: testPostID, UserID: "bob", Type: reaction.Dislike, Op: reaction.OpInsert},
		{Seq: 6, PostID: testPostID, UserID: "bob", Type: reaction.Like, Op: reaction.OpDelete},
		{Seq: 5, PostID: testPostID, UserID: "bob", Type: reaction.Like, Op: reaction.OpInsert},
	}
	for _, ev := range events {
		require.NoError(t, f.agg.Reconcile(ctx, ev))
	}

	agg, err := f.agg.Aggregate(ctx, testPostID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.LikeCount)
	assert.Equal(t, int64(1), agg.DislikeCount)
	assert.Equal(t, reaction.StateDisliked, agg.ViewerReaction)
}

func TestOptimisticOverlayUntilConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg, err := f.agg.ApplyOptimistic(ctx, testPostID, "bob", reaction.Like)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.LikeCount)
	assert.True(t, agg.Pending)

	other, err := f.agg.Aggregate(ctx, testPostID, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.LikeCount)
	assert.Equal(t, reaction.StateNone, other.ViewerReaction)

	require.NoError(t, f.agg.Reconcile(ctx, reaction.Event{Seq: 1, PostID: testPostID, UserID: "bob", Type: reaction.Like, Op: reaction.OpInsert}))

	agg, err = f.agg.Aggregate(ctx, testPostID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.LikeCount)
	assert.False(t, agg.Pending)
}

func TestAuthoritativeDeleteReplacesOptimisticLike(t *testing.T) {
	cases := []struct {
		name string
		// authoritative returns the delete event to reconcile once bob's
		// optimistic like is showing.
		authoritative func(t *testing.T, store *memory.Store, history []reaction.Event) reaction.Event
	}{
		{
			name: "stale delete",
			authoritative: func(_ *testing.T, _ *memory.Store, history []reaction.Event) reaction.Event {
				return history[1]
			},
		},
		{
			name: "delete inside the window",
			authoritative: func(t *testing.T, store *memory.Store, _ []reaction.Event) reaction.Event {
				ctx := context.Background()
				_, _, err := store.ToggleReaction(ctx, testPostID, "bob", reaction.Like)
				require.NoError(t, err)
				_, events, err := store.ToggleReaction(ctx, testPostID, "bob", reaction.Like)
				require.NoError(t, err)
				require.Len(t, events, 1)
				return events[0]
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			var history []reaction.Event
			for _, user := range []string{"bob", "bob", "carol"} {
				_, events, err := f.store.ToggleReaction(ctx, testPostID, user, reaction.Like)
				require.NoError(t, err)
				history = append(history, events...)
			}
			require.Len(t, history, 3)
			require.Equal(t, reaction.OpDelete, history[1].Op)

			agg := New(f.store, Config{}, logger.Discard())
			view, err := agg.ApplyOptimistic(ctx, testPostID, "bob", reaction.Like)
			require.NoError(t, err)
			assert.Equal(t, int64(2), view.LikeCount)
			assert.True(t, view.Pending)

			del := tc.authoritative(t, f.store, history)
			require.Equal(t, reaction.OpDelete, del.Op)
			require.NoError(t, agg.Reconcile(ctx, del))

			view, err = agg.Aggregate(ctx, testPostID, "bob")
			require.NoError(t, err)
			assert.Equal(t, reaction.StateNone, view.ViewerReaction)
			assert.False(t, view.Pending)
			assert.Equal(t, int64(1), view.LikeCount)
		})
	}
}

type stalledSnapshots struct {
	storage.ReactionStore
}

func (stalledSnapshots) ReactionSnapshot(ctx context.Context, _ int64) (reaction.Snapshot, error) {
	<-ctx.Done()
	return reaction.Snapshot{}, ctx.Err()
}

func TestSnapshotLoadIsBounded(t *testing.T) {
	agg := New(stalledSnapshots{memory.New()}, Config{StoreTimeout: 30 * time.Millisecond}, logger.Discard())

	start := time.Now()
	_, err := agg.Aggregate(context.Background(), testPostID, "bob")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type brokenReactions struct {
	storage.ReactionStore
}

func (brokenReactions) ToggleReaction(context.Context, int64, string, reaction.Type) (reaction.State, []reaction.Event, error) {
	return reaction.StateNone, nil, errors.New("connection reset")
}

func TestToggleRollsBackOnPersistFailure(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.CreatePost(ctx, post.Post{ID: testPostID, AuthorID: "alice", Kind: post.KindIndividual, Content: "hi"})
	require.NoError(t, err)
	agg := New(brokenReactions{store}, Config{}, logger.Discard())

	_, err = agg.Toggle(ctx, testPostID, "bob", reaction.Like)
	require.Error(t, err)

	view, err := agg.Aggregate(ctx, testPostID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.LikeCount)
	assert.Equal(t, reaction.StateNone, view.ViewerReaction)
	assert.False(t, view.Pending)

	// A failed toggle restores an earlier unconfirmed guess rather than dropping it.
	_, err = agg.ApplyOptimistic(ctx, testPostID, "bob", reaction.Dislike)
	require.NoError(t, err)
	_, err = agg.Toggle(ctx, testPostID, "bob", reaction.Dislike)
	require.Error(t, err)

	view, err = agg.Aggregate(ctx, testPostID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.DislikeCount)
	assert.Equal(t, reaction.StateDisliked, view.ViewerReaction)
	assert.True(t, view.Pending)
}

func TestConcurrentTogglesMatchStoredFold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := 0; u < 20; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for i := 0; i < u%5+1; i++ {
				kind := reaction.Like
				if (u+i)%3 == 0 {
					kind = reaction.Dislike
				}
				_, _ = f.agg.Toggle(ctx, testPostID, user, kind)
			}
		}(u)
	}
	wg.Wait()

	live, err := f.agg.Aggregate(ctx, testPostID, "")
	require.NoError(t, err)

	fresh := New(f.store, Config{}, logger.Discard())
	rebuilt, err := fresh.Aggregate(ctx, testPostID, "")
	require.NoError(t, err)

	assert.Equal(t, rebuilt.LikeCount, live.LikeCount)
	assert.Equal(t, rebuilt.DislikeCount, live.DislikeCount)
	assert.GreaterOrEqual(t, live.LikeCount, int64(0))
	assert.GreaterOrEqual(t, live.DislikeCount, int64(0))

	for u := 0; u < 20; u++ {
		view, err := f.agg.Aggregate(ctx, testPostID, fmt.Sprintf("user-%d", u))
		require.NoError(t, err)
		assert.False(t, view.Pending, "user-%d still pending", u)
	}
}

func TestAggregatesSkipsMissingPosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.agg.Toggle(ctx, testPostID, "bob", reaction.Like)
	require.NoError(t, err)

	out, err := f.agg.Aggregates(ctx, []int64{testPostID, 404}, "bob")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[testPostID].LikeCount)
}

func TestCommentAddedBumpsHydratedCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// not hydrated yet: the snapshot carries the comment
	_, err := f.store.CreateComment(ctx, post.Comment{PostID: testPostID, AuthorID: "bob", Content: "one"})
	require.NoError(t, err)
	f.agg.CommentAdded(ctx, post.Comment{PostID: testPostID})

	agg, err := f.agg.Aggregate(ctx, testPostID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.CommentCount)

	f.agg.CommentAdded(ctx, post.Comment{PostID: testPostID})
	agg, err = f.agg.Aggregate(ctx, testPostID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.CommentCount)
}

func TestEventFromRecord(t *testing.T) {
	raw := []byte(`{"seq":42,"post_id":7203418849021575168,"user_id":"bob","type":"like","op":"insert","created_at":"2024-03-01T12:00:00.123456+00:00"}`)
	ev, err := EventFromRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.Seq)
	assert.Equal(t, int64(7203418849021575168), ev.PostID)
	assert.Equal(t, reaction.OpInsert, ev.Op)
	assert.Equal(t, 2024, ev.CreatedAt.Year())

	for _, bad := range []string{
		`not json`,
		`{"seq":0,"post_id":1,"user_id":"bob","type":"like","op":"insert"}`,
		`{"seq":1,"post_id":1,"user_id":"bob","type":"love","op":"insert"}`,
		`{"seq":1,"post_id":1,"user_id":"bob","type":"like","op":"upsert"}`,
	} {
		_, err := EventFromRecord([]byte(bad))
		assert.Error(t, err, bad)
	}
}
