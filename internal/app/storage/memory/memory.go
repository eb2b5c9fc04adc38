package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
//
// Ledger writes take a per-account lock, so different accounts are mutated in
// parallel. Reaction rows and the event log share one lock so snapshots never
// observe an event without its row change.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accountRecord
	regions  map[int64]account.Region

	entrySeq   atomic.Int64
	commentSeq atomic.Int64

	postsMu  sync.RWMutex
	posts    map[int64]post.Post
	comments map[int64][]post.Comment

	reactMu   sync.RWMutex
	reactions map[reaction.Key]reaction.Reaction
	events    []reaction.Event
	eventSeq  int64

	compMu        sync.Mutex
	compensations map[string]ledger.Compensation

	notifMu       sync.RWMutex
	notifications map[string][]notification.Notification
	dedup         map[string]notification.Notification
	pushSubs      map[string]notification.PushSubscription
}

type accountRecord struct {
	mu      sync.Mutex
	acct    account.Account
	entries []ledger.Entry
	byKey   map[string]ledger.Entry
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.CompensationStore = (*Store)(nil)
var _ storage.PostStore = (*Store)(nil)
var _ storage.ReactionStore = (*Store)(nil)
var _ storage.NotificationStore = (*Store)(nil)

// New creates an empty store holding only the global region.
func New() *Store {
	return &Store{
		accounts: make(map[string]*accountRecord),
		regions: map[int64]account.Region{
			account.GlobalRegionID: {ID: account.GlobalRegionID, Name: "global"},
		},
		posts:         make(map[int64]post.Post),
		comments:      make(map[int64][]post.Comment),
		reactions:     make(map[reaction.Key]reaction.Reaction),
		compensations: make(map[string]ledger.Compensation),
		notifications: make(map[string][]notification.Notification),
		dedup:         make(map[string]notification.Notification),
		pushSubs:      make(map[string]notification.PushSubscription),
	}
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	acct.PointsBalance = 0
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.ID] = &accountRecord{acct: acct, byKey: make(map[string]ledger.Entry)}
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	rec, err := s.record(id)
	if err != nil {
		return account.Account{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.acct, nil
}

func (s *Store) SetAccountRegion(_ context.Context, id string, regionID int64) (account.Account, error) {
	rec, err := s.record(id)
	if err != nil {
		return account.Account{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.acct.RegionID = regionID
	rec.acct.UpdatedAt = time.Now().UTC()
	return rec.acct, nil
}

func (s *Store) CreateRegion(_ context.Context, region account.Region) (account.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if region.ID <= 0 {
		return account.Region{}, fmt.Errorf("region id must be positive")
	}
	if _, exists := s.regions[region.ID]; exists {
		return account.Region{}, fmt.Errorf("region %d: %w", region.ID, storage.ErrAlreadyExists)
	}
	s.regions[region.ID] = region
	return region, nil
}

func (s *Store) RegionExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.regions[id]
	return ok, nil
}

// DeleteRegion removes a region and detaches its posts, the way the
// relational schema's ON DELETE SET NULL does.
func (s *Store) DeleteRegion(_ context.Context, id int64) {
	s.mu.Lock()
	delete(s.regions, id)
	s.mu.Unlock()

	s.postsMu.Lock()
	defer s.postsMu.Unlock()
	for pid, p := range s.posts {
		if p.RegionID == id {
			p.RegionID = 0
			s.posts[pid] = p
		}
	}
}

func (s *Store) record(id string) (*accountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return rec, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) DebitIfSufficient(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.Delta >= 0 {
		return ledger.Entry{}, fmt.Errorf("debit delta must be negative, got %d", entry.Delta)
	}
	return s.apply(ctx, entry, true)
}

func (s *Store) Credit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.Delta <= 0 {
		return ledger.Entry{}, fmt.Errorf("credit delta must be positive, got %d", entry.Delta)
	}
	return s.apply(ctx, entry, false)
}

func (s *Store) apply(ctx context.Context, entry ledger.Entry, conditional bool) (ledger.Entry, error) {
	rec, err := s.record(entry.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, err
	}
	if entry.IdempotencyKey != "" {
		if existing, ok := rec.byKey[entry.IdempotencyKey]; ok {
			return cloneEntry(existing), nil
		}
	}
	if conditional && rec.acct.PointsBalance+entry.Delta < 0 {
		return ledger.Entry{}, storage.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	rec.acct.PointsBalance += entry.Delta
	rec.acct.UpdatedAt = now

	entry.ID = s.entrySeq.Add(1)
	entry.BalanceAfter = rec.acct.PointsBalance
	entry.CreatedAt = now
	entry.Metadata = cloneMap(entry.Metadata)
	rec.entries = append(rec.entries, entry)
	if entry.IdempotencyKey != "" {
		rec.byKey[entry.IdempotencyKey] = entry
	}
	return cloneEntry(entry), nil
}

func (s *Store) ListEntries(_ context.Context, accountID string, limit int, beforeID int64) ([]ledger.Entry, error) {
	rec, err := s.record(accountID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	result := make([]ledger.Entry, 0)
	for i := len(rec.entries) - 1; i >= 0; i-- {
		e := rec.entries[i]
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		result = append(result, cloneEntry(e))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) FindEntry(ctx context.Context, accountID, idempotencyKey string) (ledger.Entry, error) {
	rec, err := s.record(accountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, err
	}
	entry, ok := rec.byKey[idempotencyKey]
	if !ok || idempotencyKey == "" {
		return ledger.Entry{}, fmt.Errorf("entry %s: %w", idempotencyKey, storage.ErrNotFound)
	}
	return cloneEntry(entry), nil
}

// CompensationStore implementation --------------------------------------------

func (s *Store) EnqueueCompensation(_ context.Context, c ledger.Compensation) (ledger.Compensation, error) {
	s.compMu.Lock()
	defer s.compMu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = ledger.CompensationPending
	}
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	s.compensations[c.ID] = c
	return c, nil
}

func (s *Store) ListDueCompensations(_ context.Context, now time.Time, limit int) ([]ledger.Compensation, error) {
	s.compMu.Lock()
	defer s.compMu.Unlock()

	result := make([]ledger.Compensation, 0)
	for _, c := range s.compensations {
		if c.Status == ledger.CompensationPending && !c.NextAttemptAt.After(now) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateCompensation(_ context.Context, c ledger.Compensation) error {
	s.compMu.Lock()
	defer s.compMu.Unlock()

	if _, ok := s.compensations[c.ID]; !ok {
		return fmt.Errorf("compensation %s: %w", c.ID, storage.ErrNotFound)
	}
	c.UpdatedAt = time.Now().UTC()
	s.compensations[c.ID] = c
	return nil
}

// Compensations returns every outbox row; used by tests.
func (s *Store) Compensations() []ledger.Compensation {
	s.compMu.Lock()
	defer s.compMu.Unlock()
	result := make([]ledger.Compensation, 0, len(s.compensations))
	for _, c := range s.compensations {
		result = append(result, c)
	}
	return result
}

// PostStore implementation ----------------------------------------------------

func (s *Store) CreatePost(_ context.Context, p post.Post) (post.Post, error) {
	s.postsMu.Lock()
	defer s.postsMu.Unlock()

	if p.ID == 0 {
		return post.Post{}, fmt.Errorf("post id is required")
	}
	if _, exists := s.posts[p.ID]; exists {
		return post.Post{}, fmt.Errorf("post %d: %w", p.ID, storage.ErrAlreadyExists)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.posts[p.ID] = p
	return p, nil
}

func (s *Store) GetPost(_ context.Context, id int64) (post.Post, error) {
	s.postsMu.RLock()
	defer s.postsMu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return post.Post{}, fmt.Errorf("post %d: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPosts(ctx context.Context, q storage.PostQuery) ([]post.Post, error) {
	s.postsMu.RLock()
	result := make([]post.Post, 0)
	for _, p := range s.posts {
		if !q.Filters.Match(p) || !inScope(q, p.RegionID) {
			continue
		}
		if q.After != nil && !q.After.Admits(p) {
			continue
		}
		result = append(result, p)
	}
	s.postsMu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func inScope(q storage.PostQuery, regionID int64) bool {
	switch q.Scope {
	case storage.ScopeIn:
		return regionID != 0 && containsID(q.Regions, regionID)
	case storage.ScopeNotIn:
		return regionID == 0 || !containsID(q.Regions, regionID)
	default:
		return true
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *Store) CreateComment(_ context.Context, c post.Comment) (post.Comment, error) {
	s.postsMu.Lock()
	defer s.postsMu.Unlock()

	if _, ok := s.posts[c.PostID]; !ok {
		return post.Comment{}, fmt.Errorf("post %d: %w", c.PostID, storage.ErrNotFound)
	}
	c.ID = s.commentSeq.Add(1)
	c.CreatedAt = time.Now().UTC()
	s.comments[c.PostID] = append(s.comments[c.PostID], c)
	return c, nil
}

func (s *Store) ListComments(_ context.Context, postID int64, limit int) ([]post.Comment, error) {
	s.postsMu.RLock()
	defer s.postsMu.RUnlock()

	src := s.comments[postID]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	return append([]post.Comment(nil), src...), nil
}

// ReactionStore implementation ------------------------------------------------

func (s *Store) ToggleReaction(ctx context.Context, postID int64, userID string, t reaction.Type) (reaction.State, []reaction.Event, error) {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return reaction.StateNone, nil, err
	}

	s.reactMu.Lock()
	defer s.reactMu.Unlock()

	if err := ctx.Err(); err != nil {
		return reaction.StateNone, nil, err
	}

	key := reaction.Key{PostID: postID, UserID: userID}
	current, exists := s.reactions[key]
	state := reaction.StateNone
	if exists {
		state = reaction.StateOf(current.Type)
	}
	next := reaction.Toggle(state, t)
	now := time.Now().UTC()

	var events []reaction.Event
	if exists {
		s.eventSeq++
		events = append(events, reaction.Event{Seq: s.eventSeq, PostID: postID, UserID: userID, Type: current.Type, Op: reaction.OpDelete, CreatedAt: now})
		delete(s.reactions, key)
	}
	if next != reaction.StateNone {
		if _, dup := s.reactions[key]; dup {
			return state, nil, storage.ErrDuplicateReaction
		}
		s.eventSeq++
		events = append(events, reaction.Event{Seq: s.eventSeq, PostID: postID, UserID: userID, Type: t, Op: reaction.OpInsert, CreatedAt: now})
		s.reactions[key] = reaction.Reaction{PostID: postID, UserID: userID, Type: t, Seq: s.eventSeq, CreatedAt: now}
	}
	s.events = append(s.events, events...)
	return next, events, nil
}

func (s *Store) ReactionSnapshot(ctx context.Context, postID int64) (reaction.Snapshot, error) {
	p, err := s.GetPost(ctx, postID)
	if err != nil {
		return reaction.Snapshot{}, err
	}

	s.postsMu.RLock()
	comments := int64(len(s.comments[postID]))
	s.postsMu.RUnlock()

	s.reactMu.RLock()
	defer s.reactMu.RUnlock()

	snap := reaction.Snapshot{PostID: postID, AuthorID: p.AuthorID, CommentCount: comments, Watermark: s.eventSeq}
	for key, r := range s.reactions {
		if key.PostID == postID {
			snap.Reactions = append(snap.Reactions, r)
		}
	}
	return snap, nil
}

func (s *Store) ListReactionEvents(_ context.Context, afterSeq int64, limit int) ([]reaction.Event, error) {
	s.reactMu.RLock()
	defer s.reactMu.RUnlock()

	idx := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > afterSeq })
	src := s.events[idx:]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	return append([]reaction.Event(nil), src...), nil
}

func (s *Store) LatestReactionSeq(context.Context) (int64, error) {
	s.reactMu.RLock()
	defer s.reactMu.RUnlock()
	return s.eventSeq, nil
}

// NotificationStore implementation --------------------------------------------

func (s *Store) CreateNotification(_ context.Context, n notification.Notification) (notification.Notification, bool, error) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	if n.DedupKey != "" {
		if existing, ok := s.dedup[n.DedupKey]; ok {
			return existing, false, nil
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()
	s.notifications[n.UserID] = append(s.notifications[n.UserID], n)
	if n.DedupKey != "" {
		s.dedup[n.DedupKey] = n
	}
	return n, true, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]notification.Notification, error) {
	s.notifMu.RLock()
	defer s.notifMu.RUnlock()

	all := s.notifications[userID]
	result := make([]notification.Notification, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if unreadOnly && all[i].Read {
			continue
		}
		result = append(result, all[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) MarkNotificationsRead(_ context.Context, userID string, ids []string) (int64, error) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var updated int64
	list := s.notifications[userID]
	for i := range list {
		if list[i].Read {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[list[i].ID]; !ok {
				continue
			}
		}
		list[i].Read = true
		updated++
	}
	return updated, nil
}

func (s *Store) SavePushSubscription(_ context.Context, sub notification.PushSubscription) error {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.pushSubs[sub.Endpoint] = sub
	return nil
}

func (s *Store) ListPushSubscriptions(_ context.Context, userID string) ([]notification.PushSubscription, error) {
	s.notifMu.RLock()
	defer s.notifMu.RUnlock()
	result := make([]notification.PushSubscription, 0)
	for _, sub := range s.pushSubs {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Endpoint < result[j].Endpoint })
	return result, nil
}

func (s *Store) DeletePushSubscription(_ context.Context, endpoint string) error {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	delete(s.pushSubs, endpoint)
	return nil
}

// helpers ---------------------------------------------------------------------

func cloneMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	e.Metadata = cloneMap(e.Metadata)
	return e
}
