package posts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/services/accounts"
	ledgersvc "github.com/R3E-Network/engagement_layer/internal/app/services/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

const (
	// MaxContentLength caps post and comment bodies, in runes.
	MaxContentLength = 5000
	// DefaultTimeout bounds each post store call when none is configured.
	DefaultTimeout = 5 * time.Second
	// settleDelay is how long an ambiguous debit is left to commit or roll
	// back before the relay looks it up.
	settleDelay = 10 * time.Second
)

var (
	// ErrInsufficientPoints is returned when the author cannot pay for the post.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrInvalidRegion is returned when neither the draft nor the author
	// resolves to an existing region.
	ErrInvalidRegion = accounts.ErrInvalidRegion
	// ErrStorageFailure is returned when the post could not be stored after
	// payment. The payment is refunded.
	ErrStorageFailure = errors.New("post storage failed")
	// ErrValidation wraps malformed drafts and comments.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown posts or authors.
	ErrNotFound = storage.ErrNotFound
)

// Ledger is the subset of the ledger service the orchestrator needs.
type Ledger interface {
	TryDebit(ctx context.Context, accountID string, amount int64, reason ledger.ReasonCode, metadata map[string]string, idempotencyKey string) (ledger.Entry, error)
	Credit(ctx context.Context, accountID string, amount int64, reason ledger.ReasonCode, metadata map[string]string, idempotencyKey string) (ledger.Entry, error)
	EntryByKey(ctx context.Context, accountID, idempotencyKey string) (ledger.Entry, error)
}

// PostHook runs after a post is stored.
type PostHook func(ctx context.Context, p post.Post)

// CommentHook runs after a comment is stored.
type CommentHook func(ctx context.Context, c post.Comment)

// Accounts resolves authors and validates regions.
type Accounts interface {
	Get(ctx context.Context, id string) (account.Account, error)
	ValidateRegion(ctx context.Context, regionID int64) error
}

// Notifier receives fire-and-forget notifications.
type Notifier interface {
	Notify(recipientID, actorID string, kind notification.Type, postID int64, dedupKey string)
}

// Service is the only writer that pairs a ledger debit with a post insert.
type Service struct {
	store    storage.PostStore
	outbox   storage.CompensationStore
	accounts Accounts
	ledger   Ledger
	notifier Notifier
	policy   Policy
	timeout  time.Duration
	settle   time.Duration
	log      *logger.Logger

	// newBackOff builds the retry schedule for inline compensation.
	newBackOff func() backoff.BackOff

	mu           sync.RWMutex
	postHooks    []PostHook
	commentHooks []CommentHook
}

// New constructs the post service.
func New(store storage.PostStore, outbox storage.CompensationStore, accts Accounts, ledgerSvc Ledger, policy Policy, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("posts")
	}
	return &Service{
		store:    store,
		outbox:   outbox,
		accounts: accts,
		ledger:   ledgerSvc,
		policy:   policy,
		timeout:  DefaultTimeout,
		settle:   settleDelay,
		log:      log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 4)
		},
	}
}

// WithNotifier attaches the notification dispatcher.
func (s *Service) WithNotifier(n Notifier) {
	s.notifier = n
}

// WithBackOff overrides the inline compensation retry schedule.
func (s *Service) WithBackOff(fn func() backoff.BackOff) {
	if fn != nil {
		s.newBackOff = fn
	}
}

// WithTimeout bounds each post store call. Non-positive values are ignored.
func (s *Service) WithTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// OnPostCreated registers a hook run after every stored post.
func (s *Service) OnPostCreated(fn PostHook) {
	s.mu.Lock()
	s.postHooks = append(s.postHooks, fn)
	s.mu.Unlock()
}

// OnCommentCreated registers a hook run after every stored comment.
func (s *Service) OnCommentCreated(fn CommentHook) {
	s.mu.Lock()
	s.commentHooks = append(s.commentHooks, fn)
	s.mu.Unlock()
}

// Policy returns the active price table.
func (s *Service) Policy() Policy { return s.policy }

// CreatePost charges the author and stores the post. On insufficient points
// nothing is written. When the insert fails after payment, the payment is
// refunded (inline with retries, else through the outbox) and
// ErrStorageFailure is returned. A debit that fails for any other reason may
// still have committed, so a keyed refund check is queued for the relay.
func (s *Service) CreatePost(ctx context.Context, authorID string, draft post.Draft) (post.Post, error) {
	content := strings.TrimSpace(draft.Content)
	if err := validateContent(content); err != nil {
		return post.Post{}, err
	}
	if !draft.Kind.Valid() {
		return post.Post{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, draft.Kind)
	}

	author, err := s.accounts.Get(ctx, authorID)
	if err != nil {
		return post.Post{}, fmt.Errorf("load author: %w", err)
	}

	regionID := draft.RegionID
	if regionID == 0 {
		regionID = author.RegionID
	}
	if err := s.accounts.ValidateRegion(ctx, regionID); err != nil {
		return post.Post{}, err
	}

	id, err := post.NewID()
	if err != nil {
		return post.Post{}, fmt.Errorf("generate post id: %w", err)
	}

	cost, reason := s.policy.Cost(draft.Kind)
	postRef := strconv.FormatInt(id, 10)
	debitKey := "post:" + postRef
	debit, err := s.ledger.TryDebit(ctx, authorID, cost, reason, map[string]string{"post_id": postRef, "kind": string(draft.Kind)}, debitKey)
	if err != nil {
		switch {
		case errors.Is(err, ledgersvc.ErrInsufficientFunds):
			return post.Post{}, ErrInsufficientPoints
		case errors.Is(err, ErrNotFound), errors.Is(err, ledgersvc.ErrInvalidAmount):
			// Rejected before anything was written.
		default:
			s.reclaim(ctx, ledger.Compensation{
				AccountID: authorID,
				Amount:    cost,
				Reason:    reason,
				DebitKey:  debitKey,
				PostID:    id,
				LastError: err.Error(),
			})
		}
		return post.Post{}, fmt.Errorf("debit author: %w", err)
	}

	p := post.Post{
		ID:         id,
		AuthorID:   authorID,
		RegionID:   regionID,
		CategoryID: draft.CategoryID,
		StoreID:    draft.StoreID,
		Kind:       draft.Kind,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	created, err := s.insert(ctx, p)
	if err != nil {
		s.log.WithError(err).
			WithField("author_id", authorID).
			WithField("post_id", id).
			Warn("post insert failed after debit; compensating")
		s.compensate(ctx, debit, id)
		return post.Post{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.log.WithField("author_id", authorID).
		WithField("post_id", id).
		WithField("region_id", regionID).
		WithField("cost", cost).
		Info("post created")

	s.mu.RLock()
	hooks := append([]PostHook(nil), s.postHooks...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, created)
	}
	return created, nil
}

// insert stores the post under the store timeout. When the insert reports an
// error but the row is readable afterwards, the commit landed and the post
// counts as stored.
func (s *Service) insert(ctx context.Context, p post.Post) (post.Post, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	created, err := s.store.CreatePost(callCtx, p)
	cancel()
	if err == nil {
		return created, nil
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if stored, gerr := s.store.GetPost(checkCtx, p.ID); gerr == nil {
		s.log.WithError(err).WithField("post_id", p.ID).Warn("post insert reported failure but the row exists")
		return stored, nil
	}
	return post.Post{}, err
}

// reclaim queues a refund check for a debit whose outcome is unknown. The
// relay resolves the debit by its idempotency key once it has settled and
// refunds only if it was applied.
func (s *Service) reclaim(ctx context.Context, c ledger.Compensation) {
	queueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	c.NextAttemptAt = time.Now().UTC().Add(s.settle)
	if _, err := s.outbox.EnqueueCompensation(queueCtx, c); err != nil {
		metrics.RecordCompensation("outbox", false)
		s.log.WithError(err).
			WithField("account_id", c.AccountID).
			WithField("debit_key", c.DebitKey).
			Error("refund check could not be enqueued; manual review required")
		return
	}
	metrics.RecordCompensation("outbox", true)
	s.log.WithField("account_id", c.AccountID).
		WithField("debit_key", c.DebitKey).
		WithField("cause", c.LastError).
		Warn("debit outcome unknown; refund check queued")
}

// compensate refunds a debit. The credit is keyed by the debit entry, so any
// number of attempts (inline or from the relay) applies it once.
func (s *Service) compensate(ctx context.Context, debit ledger.Entry, postID int64) {
	amount := -debit.Delta
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	metadata := map[string]string{
		"refund_of": strconv.FormatInt(debit.ID, 10),
		"post_id":   strconv.FormatInt(postID, 10),
	}
	err := backoff.Retry(func() error {
		_, err := s.ledger.Credit(refundCtx, debit.AccountID, amount, debit.Reason, metadata, ledger.RefundKey(debit.ID))
		if errors.Is(err, ledgersvc.ErrInvalidAmount) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(s.newBackOff(), refundCtx))
	if err == nil {
		metrics.RecordCompensation("inline", true)
		return
	}
	metrics.RecordCompensation("inline", false)

	entry := ledger.Compensation{
		AccountID:    debit.AccountID,
		Amount:       amount,
		Reason:       debit.Reason,
		DebitEntryID: debit.ID,
		PostID:       postID,
		Attempts:     1,
		LastError:    err.Error(),
	}
	if _, qerr := s.outbox.EnqueueCompensation(refundCtx, entry); qerr != nil {
		metrics.RecordCompensation("outbox", false)
		s.log.WithError(qerr).
			WithField("account_id", debit.AccountID).
			WithField("debit_entry_id", debit.ID).
			WithField("amount", amount).
			Error("compensation could not be enqueued; manual refund required")
		return
	}
	metrics.RecordCompensation("outbox", true)
	s.log.WithError(err).
		WithField("account_id", debit.AccountID).
		WithField("debit_entry_id", debit.ID).
		Warn("inline compensation failed; refund queued")
}

// GetPost returns a post.
func (s *Service) GetPost(ctx context.Context, id int64) (post.Post, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetPost(callCtx, id)
}

// AddComment stores a comment. Commenting on someone else's post rewards the
// post author and notifies them.
func (s *Service) AddComment(ctx context.Context, postID int64, authorID, content string) (post.Comment, error) {
	content = strings.TrimSpace(content)
	if err := validateContent(content); err != nil {
		return post.Comment{}, err
	}
	if strings.TrimSpace(authorID) == "" {
		return post.Comment{}, fmt.Errorf("%w: author is required", ErrValidation)
	}

	target, err := s.GetPost(ctx, postID)
	if err != nil {
		return post.Comment{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	c, err := s.store.CreateComment(callCtx, post.Comment{PostID: postID, AuthorID: authorID, Content: content})
	cancel()
	if err != nil {
		return post.Comment{}, fmt.Errorf("store comment: %w", err)
	}

	if target.AuthorID != authorID {
		if s.policy.CommentReward > 0 {
			meta := map[string]string{"post_id": strconv.FormatInt(postID, 10), "comment_id": strconv.FormatInt(c.ID, 10), "actor_id": authorID}
			if _, err := s.ledger.Credit(ctx, target.AuthorID, s.policy.CommentReward, ledger.ReasonEarnComment, meta, ledger.CommentRewardKey(c.ID)); err != nil {
				s.log.WithError(err).WithField("comment_id", c.ID).Warn("comment reward failed")
			}
		}
		if s.notifier != nil {
			s.notifier.Notify(target.AuthorID, authorID, notification.TypeComment, postID, "comment:"+strconv.FormatInt(c.ID, 10))
		}
	}

	s.mu.RLock()
	hooks := append([]CommentHook(nil), s.commentHooks...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, c)
	}
	return c, nil
}

// ListComments returns comments oldest first.
func (s *Service) ListComments(ctx context.Context, postID int64, limit int) ([]post.Comment, error) {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.ListComments(callCtx, postID, limit)
}

func validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, MaxContentLength)
	}
	return nil
}
