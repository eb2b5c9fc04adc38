// Package notifications persists and pushes user notifications. Delivery is
// fire-and-forget: callers never see a notification failure.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	domain "github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/internal/app/system"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// pushBatch is the largest token set a single multicast may carry.
	pushBatch = 500
)

// ErrUnregistered marks a push token the provider no longer accepts.
var ErrUnregistered = errors.New("push token unregistered")

// Sender delivers a notification to device tokens. The returned slice has one
// entry per token, nil where delivery succeeded. A non-nil error means the
// call failed as a whole.
type Sender interface {
	Send(ctx context.Context, n domain.Notification, tokens []string) ([]error, error)
}

// Config tunes the dispatcher.
type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds persisting and pushing one notification.
	Timeout time.Duration
	Breaker BreakerConfig
}

// Dispatcher queues notifications and delivers them on a worker pool.
type Dispatcher struct {
	store   storage.NotificationStore
	sender  Sender
	breaker *Breaker
	cfg     Config
	log     *logger.Logger

	queue chan domain.Notification

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Dispatcher)(nil)

// New creates a dispatcher. Notifications queued before Start are delivered
// once workers run.
func New(store storage.NotificationStore, cfg Config, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("notifications")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:   store,
		breaker: NewBreaker(cfg.Breaker),
		cfg:     cfg,
		log:     log,
		queue:   make(chan domain.Notification, cfg.QueueSize),
	}
}

// WithSender enables push delivery.
func (d *Dispatcher) WithSender(s Sender) { d.sender = s }

func (d *Dispatcher) Name() string { return "notification-dispatcher" }

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(runCtx)
	}
	d.log.WithField("workers", d.cfg.Workers).Info("notification dispatcher started")
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

// Notify queues a notification about actorID's action for recipientID.
// Self-actions are skipped; a full queue drops the notification.
func (d *Dispatcher) Notify(recipientID, actorID string, kind domain.Type, postID int64, dedupKey string) {
	d.enqueue(domain.Notification{UserID: recipientID, ActorID: actorID, Type: kind, PostID: postID, DedupKey: dedupKey})
}

// PointsEarned is a ledger credit observer emitting points_earned
// notifications for engagement rewards.
func (d *Dispatcher) PointsEarned(_ context.Context, entry ledger.Entry) {
	if !entry.Reason.Earned() {
		return
	}
	var postID int64
	if raw := entry.Metadata["post_id"]; raw != "" {
		postID, _ = strconv.ParseInt(raw, 10, 64)
	}
	d.enqueue(domain.Notification{
		UserID:   entry.AccountID,
		ActorID:  entry.Metadata["actor_id"],
		Type:     domain.TypePointsEarned,
		PostID:   postID,
		Body:     fmt.Sprintf("+%d points (%s)", entry.Delta, entry.Reason),
		DedupKey: "points:" + strconv.FormatInt(entry.ID, 10),
	})
}

func (d *Dispatcher) enqueue(n domain.Notification) {
	if n.UserID == "" || n.UserID == n.ActorID {
		return
	}
	select {
	case d.queue <- n:
	default:
		metrics.RecordNotification(string(n.Type), "dropped")
		d.log.WithField("type", n.Type).WithField("user_id", n.UserID).Warn("notification queue full, dropping")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	saved, created, err := d.store.CreateNotification(ctx, n)
	if err != nil {
		metrics.RecordNotification(string(n.Type), "failed")
		d.log.WithError(err).WithField("type", n.Type).WithField("user_id", n.UserID).Warn("persist notification failed")
		return
	}
	if !created {
		metrics.RecordNotification(string(n.Type), "duplicate")
		return
	}
	metrics.RecordNotification(string(n.Type), "stored")
	d.push(ctx, saved)
}

func (d *Dispatcher) push(ctx context.Context, n domain.Notification) {
	if d.sender == nil {
		return
	}
	subs, err := d.store.ListPushSubscriptions(ctx, n.UserID)
	if err != nil {
		d.log.WithError(err).WithField("user_id", n.UserID).Warn("list push subscriptions failed")
		return
	}
	if len(subs) == 0 {
		return
	}
	if err := d.breaker.Allow(); err != nil {
		metrics.RecordNotification(string(n.Type), "push_suspended")
		return
	}

	tokens := make([]string, 0, len(subs))
	for _, s := range subs {
		tokens = append(tokens, s.Endpoint)
	}

	var g errgroup.Group
	g.SetLimit(4)
	for start := 0; start < len(tokens); start += pushBatch {
		batch := tokens[start:min(start+pushBatch, len(tokens))]
		g.Go(func() error {
			d.pushBatch(ctx, n, batch)
			return nil
		})
	}
	_ = g.Wait()
}

// pushBatch never fails the group: each batch stands alone.
func (d *Dispatcher) pushBatch(ctx context.Context, n domain.Notification, tokens []string) {
	results, err := d.sender.Send(ctx, n, tokens)
	if err != nil {
		d.breaker.Failure(err)
		metrics.RecordNotification(string(n.Type), "push_failed")
		d.log.WithError(err).WithField("tokens", len(tokens)).Warn("push send failed")
		return
	}
	d.breaker.Success()

	for i, resErr := range results {
		if i >= len(tokens) {
			break
		}
		switch {
		case resErr == nil:
			metrics.RecordNotification(string(n.Type), "pushed")
		case errors.Is(resErr, ErrUnregistered):
			if err := d.store.DeletePushSubscription(ctx, tokens[i]); err != nil {
				d.log.WithError(err).Warn("delete dead push token failed")
			}
		default:
			metrics.RecordNotification(string(n.Type), "push_failed")
			d.log.WithError(resErr).WithField("user_id", n.UserID).Debug("push to token failed")
		}
	}
}

// List returns the user's notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return d.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

// MarkRead marks the user's notifications read; empty ids marks all of them.
// Ids that belong to someone else are ignored.
func (d *Dispatcher) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	return d.store.MarkNotificationsRead(ctx, userID, ids)
}

// RegisterPush stores a device token for the user.
func (d *Dispatcher) RegisterPush(ctx context.Context, userID, endpoint string) error {
	if userID == "" || endpoint == "" {
		return fmt.Errorf("user id and endpoint are required")
	}
	return d.store.SavePushSubscription(ctx, domain.PushSubscription{UserID: userID, Endpoint: endpoint, CreatedAt: time.Now().UTC()})
}
