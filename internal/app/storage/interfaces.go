package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds is returned by a conditional debit that would make
	// the balance negative. Nothing is written in that case.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateReaction is returned if a second row for the same
	// (post, user) slot would be created.
	ErrDuplicateReaction = errors.New("duplicate reaction")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// AccountStore persists accounts and regions.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	SetAccountRegion(ctx context.Context, id string, regionID int64) (account.Account, error)

	CreateRegion(ctx context.Context, region account.Region) (account.Region, error)
	RegionExists(ctx context.Context, id int64) (bool, error)
}

// LedgerStore appends point deltas and keeps the materialized balance equal to
// the sum of entries.
//
// Both operations honour Entry.IdempotencyKey: when an entry with the same key
// already exists for the account, that entry is returned and nothing is applied.
type LedgerStore interface {
	// DebitIfSufficient applies a negative delta only if the balance covers it,
	// as a single atomic unit. Returns ErrInsufficientFunds otherwise.
	DebitIfSufficient(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	// Credit applies a positive delta.
	Credit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	ListEntries(ctx context.Context, accountID string, limit int, beforeID int64) ([]ledger.Entry, error)
	// FindEntry returns the account's entry written under idempotencyKey, or
	// ErrNotFound when none was applied.
	FindEntry(ctx context.Context, accountID, idempotencyKey string) (ledger.Entry, error)
}

// CompensationStore is the outbox of refunds that could not be applied inline.
type CompensationStore interface {
	EnqueueCompensation(ctx context.Context, c ledger.Compensation) (ledger.Compensation, error)
	ListDueCompensations(ctx context.Context, now time.Time, limit int) ([]ledger.Compensation, error)
	UpdateCompensation(ctx context.Context, c ledger.Compensation) error
}

// RegionScope selects how PostQuery.Regions is interpreted.
type RegionScope int

const (
	// ScopeAll ignores Regions.
	ScopeAll RegionScope = iota
	// ScopeIn keeps posts whose region is one of Regions.
	ScopeIn
	// ScopeNotIn keeps posts whose region is unset or not one of Regions.
	ScopeNotIn
)

// Keyset is a position in (created_at DESC, id DESC) order.
type Keyset struct {
	CreatedAt time.Time
	ID        int64
}

// Admits reports whether p sorts strictly after k: older, or the same instant
// with a smaller id.
func (k Keyset) Admits(p post.Post) bool {
	if p.CreatedAt.Before(k.CreatedAt) {
		return true
	}
	return p.CreatedAt.Equal(k.CreatedAt) && p.ID < k.ID
}

// PostQuery is a filtered, newest-first range read over posts.
type PostQuery struct {
	Filters post.Filters
	Scope   RegionScope
	Regions []int64
	// After restricts results to posts strictly after this position.
	After *Keyset
	Limit int
}

// PostStore persists posts and comments.
type PostStore interface {
	CreatePost(ctx context.Context, p post.Post) (post.Post, error)
	GetPost(ctx context.Context, id int64) (post.Post, error)
	ListPosts(ctx context.Context, q PostQuery) ([]post.Post, error)

	CreateComment(ctx context.Context, c post.Comment) (post.Comment, error)
	ListComments(ctx context.Context, postID int64, limit int) ([]post.Comment, error)
}

// ReactionStore persists reaction rows and the event log the change stream
// publishes.
type ReactionStore interface {
	// ToggleReaction applies the toggle state machine to the stored row for
	// (postID, userID) and appends the resulting events, atomically.
	ToggleReaction(ctx context.Context, postID int64, userID string, t reaction.Type) (reaction.State, []reaction.Event, error)
	ReactionSnapshot(ctx context.Context, postID int64) (reaction.Snapshot, error)
	ListReactionEvents(ctx context.Context, afterSeq int64, limit int) ([]reaction.Event, error)
	// LatestReactionSeq returns the highest event seq, 0 for an empty log.
	LatestReactionSeq(ctx context.Context) (int64, error)
}

// NotificationStore persists notifications and push subscriptions.
type NotificationStore interface {
	// CreateNotification inserts n unless a notification with the same
	// DedupKey exists; created reports which happened.
	CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, bool, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notification.Notification, error)
	// MarkNotificationsRead flips the read flag on the recipient's notifications.
	// Empty ids marks all of them.
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error)

	SavePushSubscription(ctx context.Context, sub notification.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]notification.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}
