package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/services/accounts"
	"github.com/R3E-Network/engagement_layer/internal/app/services/feed"
	ledgersvc "github.com/R3E-Network/engagement_layer/internal/app/services/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/services/notifications"
	"github.com/R3E-Network/engagement_layer/internal/app/services/posts"
	"github.com/R3E-Network/engagement_layer/internal/app/services/reactions"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/internal/app/storage/memory"
	"github.com/R3E-Network/engagement_layer/internal/app/system"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts      storage.AccountStore
	Ledger        storage.LedgerStore
	Compensations storage.CompensationStore
	Posts         storage.PostStore
	Reactions     storage.ReactionStore
	Notifications storage.NotificationStore
}

// Options carries the tunables and optional integrations.
type Options struct {
	Policy        posts.Policy
	LikeReward    int64
	SignupBonus   int64
	LedgerTimeout time.Duration
	// StoreTimeout bounds post, feed and reaction store calls.
	StoreTimeout  time.Duration
	RelaySchedule string
	// FeedCache is the page cache; nil disables caching.
	FeedCache feed.Cache
	// ChangeSource is the external reaction stream. Nil keeps the stream in
	// process.
	ChangeSource     reactions.ChangeSource
	ReactionMaxPosts int
	PushSender       notifications.Sender
	Notifications    notifications.Config
}

// DefaultOptions returns the built-in tunables.
func DefaultOptions() Options {
	return Options{
		Policy:        posts.DefaultPolicy(),
		LikeReward:    1,
		SignupBonus:   100,
		LedgerTimeout: ledgersvc.DefaultTimeout,
		StoreTimeout:  posts.DefaultTimeout,
		RelaySchedule: "@every 30s",
	}
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Accounts      *accounts.Service
	Ledger        *ledgersvc.Service
	Posts         *posts.Service
	Feed          *feed.Service
	Reactions     *reactions.Aggregator
	Notifications *notifications.Dispatcher
	Relay         *posts.CompensationRelay
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Compensations == nil {
		stores.Compensations = mem
	}
	if stores.Posts == nil {
		stores.Posts = mem
	}
	if stores.Reactions == nil {
		stores.Reactions = mem
	}
	if stores.Notifications == nil {
		stores.Notifications = mem
	}

	if opts.Policy == (posts.Policy{}) {
		opts.Policy = posts.DefaultPolicy()
	}

	manager := system.NewManager()

	ledgerService := ledgersvc.New(stores.Accounts, stores.Ledger, opts.LedgerTimeout, log.Named("ledger"))
	acctService := accounts.New(stores.Accounts, ledgerService, opts.SignupBonus, log.Named("accounts"))

	dispatcher := notifications.New(stores.Notifications, opts.Notifications, log.Named("notifications"))
	if opts.PushSender != nil {
		dispatcher.WithSender(opts.PushSender)
	}
	ledgerService.OnCredit(dispatcher.PointsEarned)

	postService := posts.New(stores.Posts, stores.Compensations, acctService, ledgerService, opts.Policy, log.Named("posts"))
	postService.WithNotifier(dispatcher)
	postService.WithTimeout(opts.StoreTimeout)
	relay := posts.NewCompensationRelay(stores.Compensations, ledgerService, opts.RelaySchedule, log.Named("compensation-relay"))

	aggregator := reactions.New(stores.Reactions, reactions.Config{LikeReward: opts.LikeReward, MaxPosts: opts.ReactionMaxPosts, StoreTimeout: opts.StoreTimeout}, log.Named("reactions"))
	aggregator.WithRewards(ledgerService)
	aggregator.WithNotifier(dispatcher)
	postService.OnCommentCreated(aggregator.CommentAdded)

	feedService := feed.New(stores.Posts, opts.FeedCache, log.Named("feed"))
	feedService.WithAggregates(aggregator)
	feedService.WithTimeout(opts.StoreTimeout)
	postService.OnPostCreated(func(ctx context.Context, _ post.Post) { feedService.Invalidate(ctx) })

	services := []system.Service{dispatcher, relay}
	if opts.ChangeSource != nil {
		services = append(services, reactions.NewStreamConsumer(opts.ChangeSource, stores.Reactions, aggregator, log.Named("reaction-stream")))
	} else {
		stream := reactions.NewLocalStream()
		stream.Subscribe(aggregator.HandleEvent)
		aggregator.WithPublisher(stream)
	}

	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:       manager,
		log:           log,
		Accounts:      acctService,
		Ledger:        ledgerService,
		Posts:         postService,
		Feed:          feedService,
		Reactions:     aggregator,
		Notifications: dispatcher,
		Relay:         relay,
	}, nil
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
