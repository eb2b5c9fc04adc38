// Package runtime builds the engagement process from configuration and
// manages the HTTP server lifecycle.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/engagement_layer/internal/app"
	"github.com/R3E-Network/engagement_layer/internal/app/httpapi"
	"github.com/R3E-Network/engagement_layer/internal/app/services/feed"
	"github.com/R3E-Network/engagement_layer/internal/app/services/notifications"
	"github.com/R3E-Network/engagement_layer/internal/app/services/posts"
	"github.com/R3E-Network/engagement_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/engagement_layer/internal/config"
	"github.com/R3E-Network/engagement_layer/internal/middleware"
	"github.com/R3E-Network/engagement_layer/internal/platform/migrations"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
	"github.com/R3E-Network/engagement_layer/supabase/client"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sql.DB
	redis      *redis.Client
}

// NewApplication constructs the process from cfg. Nothing is started.
func NewApplication(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(logger.LoggingConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			FilePrefix: cfg.Logging.FilePrefix,
		})
	}
	a := &Application{cfg: cfg, log: log}

	stores, err := a.buildStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	opts, err := a.buildOptions(ctx)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	application, err := app.New(stores, opts, log.Named("app"))
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("build application: %w", err)
	}
	a.app = application

	if cfg.Auth.JWTSecret == "" {
		log.Warn("SUPABASE_JWT_SECRET not set; every request is anonymous")
	}
	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, log.Named("ratelimit"))
	}
	handler := httpapi.NewHandler(application, httpapi.Options{
		Auth:    middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Audience, log.Named("auth")),
		Limiter: limiter,
		CORS:    middleware.NewCORSMiddleware(splitCSV(cfg.HTTP.CORSOrigins)),
	}, log.Named("http"))

	a.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return a, nil
}

// App exposes the composed services.
func (a *Application) App() *app.Application { return a.app }

// Handler returns the HTTP handler served by Run.
func (a *Application) Handler() http.Handler { return a.httpServer.Handler }

// Run starts the background services and the HTTP server, then blocks until
// ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.HTTP.Addr).Info("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then the services, then closes connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("service shutdown: %w", err))
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
}

// buildStores connects to postgres when DATABASE_URL is set. Without it every
// store is in memory.
func (a *Application) buildStores(ctx context.Context) (app.Stores, error) {
	if a.cfg.Database.DSN == "" {
		a.log.Warn("DATABASE_URL not set; using in-memory storage")
		return app.Stores{}, nil
	}

	db, err := openDatabase(ctx, a.cfg.Database)
	if err != nil {
		return app.Stores{}, err
	}
	if a.cfg.Database.Migrate {
		if err := migrations.Up(db); err != nil {
			db.Close()
			return app.Stores{}, err
		}
	}
	a.db = db

	store := postgres.New(db)
	return app.Stores{
		Accounts:      store,
		Ledger:        store,
		Compensations: store,
		Posts:         store,
		Reactions:     store,
		Notifications: store,
	}, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (a *Application) buildOptions(ctx context.Context) (app.Options, error) {
	cfg := a.cfg
	opts := optionsFromConfig(cfg)
	opts.FeedCache = a.feedCache(ctx)

	if cfg.Realtime.URL != "" {
		rt, err := client.NewRealtimeClient(client.Config{
			URL:       cfg.Realtime.URL,
			APIKey:    cfg.Realtime.APIKey,
			Heartbeat: cfg.Realtime.Heartbeat,
		}, a.log.Named("realtime"))
		if err != nil {
			return app.Options{}, fmt.Errorf("create realtime client: %w", err)
		}
		opts.ChangeSource = rt
	} else {
		a.log.Info("SUPABASE_URL not set; reaction stream runs in process")
	}

	if cfg.Push.CredentialsFile != "" {
		sender, err := notifications.NewFCMSender(ctx, cfg.Push.CredentialsFile)
		if err != nil {
			a.log.WithError(err).Warn("push delivery disabled: firebase init failed")
		} else {
			opts.PushSender = sender
		}
	}
	return opts, nil
}

// optionsFromConfig maps the tunables; integrations are attached separately.
func optionsFromConfig(cfg *config.Config) app.Options {
	opts := app.DefaultOptions()
	opts.Policy = posts.Policy{
		IndividualCost: cfg.Points.IndividualPostCost,
		GroupCost:      cfg.Points.GroupPostCost,
		CommentReward:  cfg.Points.CommentReward,
	}
	opts.LikeReward = cfg.Points.LikeReward
	opts.SignupBonus = cfg.Points.SignupBonus
	opts.LedgerTimeout = cfg.Ledger.Timeout
	opts.StoreTimeout = cfg.Database.QueryTimeout
	opts.RelaySchedule = cfg.Ledger.RelaySchedule
	opts.ReactionMaxPosts = cfg.Ledger.ReactionPostsLRU
	opts.Notifications = notifications.Config{
		Workers:   cfg.Push.Workers,
		QueueSize: cfg.Push.QueueSize,
		Timeout:   cfg.Push.Timeout,
	}
	return opts
}

// feedCache prefers redis so replicas share pages, and falls back to a local
// LRU when redis is not configured or not reachable.
func (a *Application) feedCache(ctx context.Context) feed.Cache {
	cfg := a.cfg
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := rdb.Ping(pingCtx).Err()
		if err == nil {
			a.redis = rdb
			return feed.NewRedisCache(rdb, cfg.Redis.FeedTTL)
		}
		a.log.WithError(err).Warn("redis unreachable; using local feed cache")
		_ = rdb.Close()
	}
	if cfg.Feed.CacheSize <= 0 {
		return nil
	}
	return feed.NewLRUCache(cfg.Feed.CacheSize, cfg.Redis.FeedTTL)
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
