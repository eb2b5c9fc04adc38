package reactions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/internal/app/system"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
	"github.com/R3E-Network/engagement_layer/supabase/client"
)

const catchUpBatch = 500

// ChangeSource streams row changes of a table, reconnecting as needed.
// onConnect runs after every (re)join, before live changes are delivered.
type ChangeSource interface {
	Stream(ctx context.Context, cfg client.PostgresChangesConfig, onConnect func(context.Context) error, handler func(client.Change)) error
}

// StreamConsumer feeds reaction_events inserts from an external change
// stream into the aggregator. After every reconnect it replays the event log
// from the last sequence it saw, so gaps are filled and the aggregator's
// sequence gate drops the overlap.
type StreamConsumer struct {
	source ChangeSource
	store  storage.ReactionStore
	agg    *Aggregator
	table  string
	log    *logger.Logger

	lastSeq atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*StreamConsumer)(nil)

// NewStreamConsumer builds a consumer for the reaction_events table.
func NewStreamConsumer(source ChangeSource, store storage.ReactionStore, agg *Aggregator, log *logger.Logger) *StreamConsumer {
	if log == nil {
		log = logger.NewDefault("reaction-stream")
	}
	return &StreamConsumer{source: source, store: store, agg: agg, table: "reaction_events", log: log}
}

func (c *StreamConsumer) Name() string { return "reaction-stream" }

func (c *StreamConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	latest, err := c.store.LatestReactionSeq(ctx)
	if err != nil {
		return fmt.Errorf("read reaction log position: %w", err)
	}
	c.lastSeq.Store(latest)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		cfg := client.PostgresChangesConfig{Event: "INSERT", Schema: "public", Table: c.table}
		if err := c.source.Stream(runCtx, cfg, c.catchUp, func(ch client.Change) { c.onChange(runCtx, ch) }); err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).Error("reaction stream stopped")
		}
	}()

	c.log.WithField("from_seq", latest).Info("reaction stream consumer started")
	return nil
}

func (c *StreamConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// catchUp replays events persisted while the stream was down.
func (c *StreamConsumer) catchUp(ctx context.Context) error {
	for {
		events, err := c.store.ListReactionEvents(ctx, c.lastSeq.Load(), catchUpBatch)
		if err != nil {
			return fmt.Errorf("catch up reaction events: %w", err)
		}
		for _, ev := range events {
			c.deliver(ctx, ev)
		}
		if len(events) < catchUpBatch {
			return nil
		}
	}
}

func (c *StreamConsumer) onChange(ctx context.Context, ch client.Change) {
	if ch.Type != "INSERT" || ch.Table != c.table {
		return
	}
	ev, err := EventFromRecord(ch.Record)
	if err != nil {
		c.log.WithError(err).Warn("undecodable reaction event")
		return
	}
	c.deliver(ctx, ev)
}

func (c *StreamConsumer) deliver(ctx context.Context, ev reaction.Event) {
	c.agg.HandleEvent(ctx, ev)
	for {
		cur := c.lastSeq.Load()
		if ev.Seq <= cur || c.lastSeq.CompareAndSwap(cur, ev.Seq) {
			return
		}
	}
}

// EventFromRecord decodes a reaction_events row as sent by the change stream.
func EventFromRecord(raw []byte) (reaction.Event, error) {
	if !gjson.ValidBytes(raw) {
		return reaction.Event{}, errors.New("record is not valid json")
	}
	rec := gjson.ParseBytes(raw)
	ev := reaction.Event{
		Seq:    rec.Get("seq").Int(),
		PostID: rec.Get("post_id").Int(),
		UserID: rec.Get("user_id").String(),
		Type:   reaction.Type(rec.Get("type").String()),
		Op:     reaction.Op(rec.Get("op").String()),
	}
	if ts := rec.Get("created_at").String(); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.CreatedAt = parsed.UTC()
		}
	}

	if ev.Seq <= 0 || ev.PostID <= 0 || ev.UserID == "" {
		return reaction.Event{}, fmt.Errorf("record missing keys: %s", rec.Raw)
	}
	if _, err := reaction.ParseType(string(ev.Type)); err != nil {
		return reaction.Event{}, err
	}
	if ev.Op != reaction.OpInsert && ev.Op != reaction.OpDelete {
		return reaction.Event{}, fmt.Errorf("unknown op %q", ev.Op)
	}
	return ev, nil
}
