package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// fakeRealtime accepts a join, replies ok, pushes the scripted frames and
// then drops the connection.
func fakeRealtime(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		sessions.Add(1)

		_, join, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame := gjson.ParseBytes(join)
		if frame.Get("event").String() != "phx_join" || frame.Get("payload.config.postgres_changes.0.table").String() != "reaction_events" {
			return
		}
		reply := `{"event":"phx_reply","topic":"` + frame.Get("topic").String() + `","ref":"` + frame.Get("ref").String() + `","payload":{"status":"ok","response":{}}}`
		if err := ws.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func newTestClient(t *testing.T, url string) *RealtimeClient {
	t.Helper()
	c, err := NewRealtimeClient(Config{
		URL:        url,
		APIKey:     "secret",
		Heartbeat:  time.Second,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, logger.Discard())
	require.NoError(t, err)
	return c
}

func TestStreamDeliversChangesAndReconnects(t *testing.T) {
	srv, sessions := fakeRealtime(t,
		`{"event":"postgres_changes","topic":"realtime:public:reaction_events","payload":{"data":{"type":"INSERT","schema":"public","table":"reaction_events","commit_timestamp":"2024-03-01T12:00:00Z","record":{"seq":1,"post_id":7}},"ids":[1]}}`,
		`{"event":"INSERT","topic":"realtime:public:reaction_events","payload":{"type":"INSERT","schema":"public","table":"reaction_events","record":{"seq":2,"post_id":7}}}`,
	)
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var changes []Change
	var connects atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Stream(ctx, PostgresChangesConfig{Event: "INSERT", Table: "reaction_events"},
			func(context.Context) error {
				connects.Add(1)
				return nil
			},
			func(ch Change) {
				mu.Lock()
				changes = append(changes, ch)
				n := len(changes)
				mu.Unlock()
				if n >= 4 {
					cancel()
				}
			})
	}()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(changes), 4)
	assert.Equal(t, "INSERT", changes[0].Type)
	assert.Equal(t, "reaction_events", changes[0].Table)
	assert.Equal(t, int64(1), gjson.GetBytes(changes[0].Record, "seq").Int())
	assert.Equal(t, 2024, changes[0].CommitTimestamp.Year())
	assert.Equal(t, int64(2), gjson.GetBytes(changes[1].Record, "seq").Int())
	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
	assert.Equal(t, sessions.Load(), connects.Load())
}

func TestStreamGivesUpWhenBackOffStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewRealtimeClient(Config{
		URL:        srv.URL,
		APIKey:     "secret",
		NewBackOff: func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) },
	}, logger.Discard())
	require.NoError(t, err)

	err = c.Stream(context.Background(), PostgresChangesConfig{Table: "reaction_events"}, nil, func(Change) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up")
}

func TestSocketURL(t *testing.T) {
	u, err := socketURL("https://abc.supabase.co/", "key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://abc.supabase.co/realtime/v1/websocket?"))
	assert.Contains(t, u, "apikey=key")
	assert.Contains(t, u, "vsn=1.0.0")

	_, err = socketURL("ftp://abc", "key")
	assert.Error(t, err)

	_, err = NewRealtimeClient(Config{URL: "https://abc.supabase.co"}, nil)
	assert.Error(t, err)
}

func TestDecodeChangeLegacyShape(t *testing.T) {
	ch := decodeChange(gjson.Parse(`{"eventType":"delete","schema":"public","table":"t","old_record":{"id":1}}`))
	assert.Equal(t, "DELETE", ch.Type)
	assert.Nil(t, ch.Record)
	assert.JSONEq(t, `{"id":1}`, string(ch.OldRecord))
}
