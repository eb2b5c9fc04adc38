package reactions

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// ErrDuplicateReaction is returned when a second row for one (post, user)
// slot would be written.
var ErrDuplicateReaction = storage.ErrDuplicateReaction

// Crediter pays engagement rewards.
type Crediter interface {
	Credit(ctx context.Context, accountID string, amount int64, reason ledger.ReasonCode, metadata map[string]string, idempotencyKey string) (ledger.Entry, error)
}

// Notifier receives fire-and-forget notifications.
type Notifier interface {
	Notify(recipientID, actorID string, kind notification.Type, postID int64, dedupKey string)
}

// Publisher forwards persisted events to the change stream. Only used when
// the stream is in-process; an external stream observes the store itself.
type Publisher interface {
	Publish(ctx context.Context, events []reaction.Event)
}

// Config tunes the aggregator.
type Config struct {
	// LikeReward is credited to a post author for each new like by someone else.
	LikeReward int64
	// MaxPosts bounds the number of hydrated posts kept in memory.
	MaxPosts int
	// StoreTimeout bounds each snapshot load and reaction write.
	StoreTimeout time.Duration
}

type keyState struct {
	state reaction.State
	seq   int64
}

type overlay struct {
	state   reaction.State
	version uint64
}

// postState is the in-memory aggregate of one post. Counts always equal the
// fold over confirmed; overlays only shape the effective view.
type postState struct {
	mu        sync.Mutex
	hydrated  bool
	authorID  string
	watermark int64
	likes     int64
	dislikes  int64
	comments  int64
	confirmed map[string]keyState
	overlays  map[string]overlay
	version   uint64
}

func (p *postState) lastSeq(userID string) int64 {
	if ks, ok := p.confirmed[userID]; ok && ks.seq > p.watermark {
		return ks.seq
	}
	return p.watermark
}

func (p *postState) effective(userID string) (reaction.State, bool) {
	if ov, ok := p.overlays[userID]; ok {
		return ov.state, true
	}
	return p.confirmed[userID].state, false
}

func (p *postState) shift(from, to reaction.State) {
	adjust := func(s reaction.State, d int64) {
		switch s {
		case reaction.StateLiked:
			p.likes += d
		case reaction.StateDisliked:
			p.dislikes += d
		}
	}
	adjust(from, -1)
	adjust(to, 1)
}

func (p *postState) view(postID int64, viewerID string) reaction.Aggregate {
	agg := reaction.Aggregate{PostID: postID, LikeCount: p.likes, DislikeCount: p.dislikes, CommentCount: p.comments}
	for userID, ov := range p.overlays {
		confirmed := p.confirmed[userID].state
		if ov.state == confirmed {
			continue
		}
		switch confirmed {
		case reaction.StateLiked:
			agg.LikeCount--
		case reaction.StateDisliked:
			agg.DislikeCount--
		}
		switch ov.state {
		case reaction.StateLiked:
			agg.LikeCount++
		case reaction.StateDisliked:
			agg.DislikeCount++
		}
	}
	if viewerID != "" {
		agg.ViewerReaction, agg.Pending = p.effective(viewerID)
	}
	return agg
}

// Aggregator keeps per-post reaction counts consistent with the event log.
// Local toggles show up immediately as overlays; authoritative events replace
// them and are applied last-writer-wins by sequence.
type Aggregator struct {
	store     storage.ReactionStore
	credits   Crediter
	notifier  Notifier
	publisher Publisher
	cfg       Config
	log       *logger.Logger

	mu    sync.Mutex
	posts *lru.Cache[int64, *postState]

	// rewarded remembers like events whose side effects already ran.
	rewarded *expirable.LRU[int64, struct{}]
}

// New builds an aggregator.
func New(store storage.ReactionStore, cfg Config, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewDefault("reactions")
	}
	if cfg.MaxPosts <= 0 {
		cfg.MaxPosts = 10000
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	posts, _ := lru.New[int64, *postState](cfg.MaxPosts)
	return &Aggregator{
		store:    store,
		cfg:      cfg,
		log:      log,
		posts:    posts,
		rewarded: expirable.NewLRU[int64, struct{}](16384, nil, time.Hour),
	}
}

// WithRewards attaches the ledger used to pay like rewards.
func (a *Aggregator) WithRewards(c Crediter) { a.credits = c }

// WithNotifier attaches the notification dispatcher.
func (a *Aggregator) WithNotifier(n Notifier) { a.notifier = n }

// WithPublisher routes persisted events through an in-process stream.
func (a *Aggregator) WithPublisher(p Publisher) { a.publisher = p }

func (a *Aggregator) entry(postID int64) *postState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.posts.Get(postID); ok {
		return st
	}
	st := &postState{confirmed: make(map[string]keyState), overlays: make(map[string]overlay)}
	a.posts.Add(postID, st)
	return st
}

// load returns the post's state locked and hydrated. Callers must unlock.
func (a *Aggregator) load(ctx context.Context, postID int64) (*postState, error) {
	st := a.entry(postID)
	st.mu.Lock()
	if st.hydrated {
		return st, nil
	}
	loadCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	snap, err := a.store.ReactionSnapshot(loadCtx, postID)
	cancel()
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.authorID = snap.AuthorID
	st.comments = snap.CommentCount
	for _, r := range snap.Reactions {
		s := reaction.StateOf(r.Type)
		st.confirmed[r.UserID] = keyState{state: s, seq: r.Seq}
		st.shift(reaction.StateNone, s)
	}
	st.watermark = snap.Watermark
	st.hydrated = true
	return st, nil
}

// ApplyOptimistic toggles the user's local view immediately and returns it.
// The overlay stays until an authoritative event for the key arrives.
func (a *Aggregator) ApplyOptimistic(ctx context.Context, postID int64, userID string, t reaction.Type) (reaction.Aggregate, error) {
	st, err := a.load(ctx, postID)
	if err != nil {
		return reaction.Aggregate{}, err
	}
	defer st.mu.Unlock()
	current, _ := st.effective(userID)
	st.version++
	st.overlays[userID] = overlay{state: reaction.Toggle(current, t), version: st.version}
	return st.view(postID, userID), nil
}

// Toggle is the public reaction operation: apply locally, persist, publish.
// A persistence failure rolls the local view back.
func (a *Aggregator) Toggle(ctx context.Context, postID int64, userID string, t reaction.Type) (reaction.Aggregate, error) {
	st, err := a.load(ctx, postID)
	if err != nil {
		return reaction.Aggregate{}, err
	}
	previous, hadPrevious := st.overlays[userID]
	current, _ := st.effective(userID)
	st.version++
	mine := st.version
	st.overlays[userID] = overlay{state: reaction.Toggle(current, t), version: mine}
	st.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	persisted, events, err := a.store.ToggleReaction(writeCtx, postID, userID, t)
	cancel()

	st.mu.Lock()
	if ov, ok := st.overlays[userID]; ok && ov.version == mine {
		switch {
		case err != nil && hadPrevious:
			st.overlays[userID] = previous
		case err != nil:
			delete(st.overlays, userID)
		default:
			// The store decided from its own row; trust that over our guess.
			st.overlays[userID] = overlay{state: persisted, version: mine}
		}
	}
	st.mu.Unlock()

	if err != nil {
		return reaction.Aggregate{}, fmt.Errorf("persist reaction: %w", err)
	}

	if a.publisher != nil {
		a.publisher.Publish(ctx, events)
	}
	return a.Aggregate(ctx, postID, userID)
}

// Reconcile applies an authoritative event. Events at or below the key's
// last applied sequence leave confirmed state and counts untouched, so
// redelivery and reordering converge on the highest-sequence state. Any event
// for the key still drops its overlay: the view falls back to confirmed state.
func (a *Aggregator) Reconcile(ctx context.Context, ev reaction.Event) error {
	st, err := a.load(ctx, ev.PostID)
	if err != nil {
		return err
	}

	applied := false
	if ev.Seq > st.lastSeq(ev.UserID) {
		prev := st.confirmed[ev.UserID].state
		next := ev.Result()
		st.confirmed[ev.UserID] = keyState{state: next, seq: ev.Seq}
		st.shift(prev, next)
		applied = true
	}
	delete(st.overlays, ev.UserID)
	author := st.authorID
	st.mu.Unlock()

	if applied {
		metrics.RecordReactionEvent("applied")
	} else {
		metrics.RecordReactionEvent("stale")
	}

	if ev.Op == reaction.OpInsert && ev.Type == reaction.Like && ev.UserID != author {
		a.onLike(ctx, ev, author)
	}
	return nil
}

// onLike notifies and rewards the author once per like event. Both sinks are
// keyed per (post, liker), so repeated likes never pay twice.
func (a *Aggregator) onLike(ctx context.Context, ev reaction.Event, author string) {
	if a.rewarded.Contains(ev.Seq) {
		return
	}
	a.rewarded.Add(ev.Seq, struct{}{})

	postRef := strconv.FormatInt(ev.PostID, 10)
	if a.notifier != nil {
		a.notifier.Notify(author, ev.UserID, notification.TypeLike, ev.PostID, "like:"+postRef+":"+ev.UserID)
	}
	if a.credits != nil && a.cfg.LikeReward > 0 {
		meta := map[string]string{"post_id": postRef, "actor_id": ev.UserID}
		if _, err := a.credits.Credit(ctx, author, a.cfg.LikeReward, ledger.ReasonEarnLike, meta, ledger.LikeRewardKey(ev.PostID, ev.UserID)); err != nil {
			a.log.WithError(err).
				WithField("post_id", ev.PostID).
				WithField("liker_id", ev.UserID).
				Warn("like reward failed")
		}
	}
}

// HandleEvent is the stream callback form of Reconcile.
func (a *Aggregator) HandleEvent(ctx context.Context, ev reaction.Event) {
	if err := a.Reconcile(ctx, ev); err != nil {
		a.log.WithError(err).WithField("seq", ev.Seq).WithField("post_id", ev.PostID).Warn("reconcile reaction event failed")
	}
}

// Aggregate returns the effective view of a post for a viewer (empty for
// anonymous).
func (a *Aggregator) Aggregate(ctx context.Context, postID int64, viewerID string) (reaction.Aggregate, error) {
	st, err := a.load(ctx, postID)
	if err != nil {
		return reaction.Aggregate{}, err
	}
	defer st.mu.Unlock()
	return st.view(postID, viewerID), nil
}

// Aggregates loads several posts concurrently. Posts that fail to load are
// left out of the result.
func (a *Aggregator) Aggregates(ctx context.Context, postIDs []int64, viewerID string) (map[int64]reaction.Aggregate, error) {
	var mu sync.Mutex
	out := make(map[int64]reaction.Aggregate, len(postIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range postIDs {
		id := id
		g.Go(func() error {
			agg, err := a.Aggregate(gctx, id, viewerID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.log.WithError(err).WithField("post_id", id).Debug("aggregate unavailable")
				return nil
			}
			mu.Lock()
			out[id] = agg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CommentAdded bumps the comment count of a hydrated post. Unhydrated posts
// pick the comment up from their snapshot.
func (a *Aggregator) CommentAdded(_ context.Context, c post.Comment) {
	a.mu.Lock()
	st, ok := a.posts.Peek(c.PostID)
	a.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.hydrated {
		st.comments++
	}
	st.mu.Unlock()
}
