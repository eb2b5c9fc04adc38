// Package client streams Postgres row changes from Supabase Realtime.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// ErrJoinRejected is returned when the server refuses a channel join.
var ErrJoinRejected = errors.New("realtime join rejected")

// Config configures a RealtimeClient.
type Config struct {
	// URL is the project URL (https://<ref>.supabase.co) or a ws(s) socket URL.
	URL    string
	APIKey string
	// Heartbeat is the phoenix heartbeat interval. Defaults to 25s.
	Heartbeat time.Duration
	// NewBackOff builds the reconnect policy. Defaults to exponential backoff
	// capped at one minute that never gives up.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
}

// PostgresChangesConfig selects the row changes to receive.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE, *
	Schema string
	Table  string
	Filter string // optional, e.g. "post_id=eq.1"
}

// Change is one row change delivered by the server.
type Change struct {
	Type            string
	Schema          string
	Table           string
	CommitTimestamp time.Time
	Record          json.RawMessage
	OldRecord       json.RawMessage
}

// RealtimeClient speaks the phoenix channel protocol used by Supabase Realtime.
type RealtimeClient struct {
	url        string
	apiKey     string
	heartbeat  time.Duration
	newBackOff func() backoff.BackOff
	dialer     *websocket.Dialer
	log        *logger.Logger

	ref atomic.Int64
}

// NewRealtimeClient validates cfg and builds a client. Nothing is dialed
// until Stream is called.
func NewRealtimeClient(cfg Config, log *logger.Logger) (*RealtimeClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime API key is required")
	}
	wsURL, err := socketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDefault("realtime")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &RealtimeClient{
		url:        wsURL,
		apiKey:     cfg.APIKey,
		heartbeat:  cfg.Heartbeat,
		newBackOff: cfg.NewBackOff,
		dialer:     cfg.Dialer,
		log:        log,
	}, nil
}

func socketURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return "", fmt.Errorf("parse realtime URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path += "/realtime/v1/websocket"
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream joins a postgres_changes channel and delivers changes to handler
// until ctx ends. Dropped connections are redialed with backoff; onConnect
// runs after every successful join and before any change of that session is
// delivered, so callers can replay what they missed. handler is called from
// a single goroutine.
func (r *RealtimeClient) Stream(ctx context.Context, cfg PostgresChangesConfig, onConnect func(context.Context) error, handler func(Change)) error {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}
	if cfg.Table == "" {
		return fmt.Errorf("realtime table is required")
	}

	bo := backoff.WithContext(r.newBackOff(), ctx)
	for {
		joined, err := r.session(ctx, cfg, onConnect, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if joined {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("realtime stream gave up: %w", err)
		}
		r.log.WithError(err).
			WithField("table", cfg.Table).
			WithField("retry_in", wait.String()).
			Warn("realtime session ended")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) send(msg map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

func (r *RealtimeClient) nextRef() string {
	return strconv.FormatInt(r.ref.Add(1), 10)
}

// session runs one connection. joined reports whether the channel join and
// the onConnect hook both succeeded.
func (r *RealtimeClient) session(ctx context.Context, cfg PostgresChangesConfig, onConnect func(context.Context) error, handler func(Change)) (joined bool, err error) {
	ws, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	c := &conn{ws: ws}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	topic := "realtime:" + cfg.Schema + ":" + cfg.Table
	change := map[string]any{"event": cfg.Event, "schema": cfg.Schema, "table": cfg.Table}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	joinRef := r.nextRef()
	join := map[string]any{
		"topic": topic,
		"event": "phx_join",
		"payload": map[string]any{
			"config": map[string]any{
				"broadcast":        map[string]any{"self": false},
				"presence":         map[string]any{"key": ""},
				"postgres_changes": []any{change},
			},
			"access_token": r.apiKey,
		},
		"ref":      joinRef,
		"join_ref": joinRef,
	}
	if err := c.send(join); err != nil {
		return false, fmt.Errorf("send join: %w", err)
	}
	if err := r.awaitJoin(ws, joinRef); err != nil {
		return false, err
	}

	done := make(chan struct{})
	defer close(done)
	go r.beat(c, done)

	if onConnect != nil {
		if err := onConnect(ctx); err != nil {
			return false, fmt.Errorf("on connect: %w", err)
		}
	}
	r.log.WithField("topic", topic).Info("realtime channel joined")

	for {
		_ = ws.SetReadDeadline(time.Now().Add(2 * r.heartbeat))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if !gjson.ValidBytes(msg) {
			continue
		}
		frame := gjson.ParseBytes(msg)
		switch event := frame.Get("event").String(); event {
		case "postgres_changes":
			handler(decodeChange(frame.Get("payload.data")))
		case "INSERT", "UPDATE", "DELETE":
			handler(decodeChange(frame.Get("payload")))
		case "phx_error", "phx_close":
			if frame.Get("topic").String() == topic {
				return true, fmt.Errorf("channel %s: %s", event, frame.Get("payload").Raw)
			}
		case "system":
			if frame.Get("payload.status").String() == "error" {
				r.log.WithField("message", frame.Get("payload.message").String()).Warn("realtime system error")
			}
		}
	}
}

func (r *RealtimeClient) awaitJoin(ws *websocket.Conn, ref string) error {
	_ = ws.SetReadDeadline(time.Now().Add(2 * r.heartbeat))
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await join: %w", err)
		}
		frame := gjson.ParseBytes(msg)
		if frame.Get("event").String() != "phx_reply" || frame.Get("ref").String() != ref {
			continue
		}
		if status := frame.Get("payload.status").String(); status != "ok" {
			return fmt.Errorf("%w: %s", ErrJoinRejected, frame.Get("payload.response").Raw)
		}
		return nil
	}
}

func (r *RealtimeClient) beat(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msg := map[string]any{"topic": "phoenix", "event": "heartbeat", "payload": map[string]any{}, "ref": r.nextRef()}
			if err := c.send(msg); err != nil {
				r.log.WithError(err).Debug("heartbeat failed")
				return
			}
		}
	}
}

func decodeChange(data gjson.Result) Change {
	ch := Change{
		Type:   strings.ToUpper(firstNonEmpty(data.Get("type").String(), data.Get("eventType").String())),
		Schema: data.Get("schema").String(),
		Table:  data.Get("table").String(),
	}
	if ts := data.Get("commit_timestamp").String(); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ch.CommitTimestamp = parsed
		}
	}
	if rec := data.Get("record"); rec.Exists() {
		ch.Record = json.RawMessage(rec.Raw)
	} else if rec := data.Get("new"); rec.Exists() {
		ch.Record = json.RawMessage(rec.Raw)
	}
	if old := data.Get("old_record"); old.Exists() {
		ch.OldRecord = json.RawMessage(old.Raw)
	}
	return ch
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
