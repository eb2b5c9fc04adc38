package reactions

import (
	"context"
	"sync"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
)

// EventHandler receives change stream events.
type EventHandler func(context.Context, reaction.Event)

// LocalStream is the in-process change stream used when no external stream
// is configured. Subscribers see events in publish order.
type LocalStream struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

var _ Publisher = (*LocalStream)(nil)

// NewLocalStream creates an empty stream.
func NewLocalStream() *LocalStream {
	return &LocalStream{}
}

// Subscribe adds a handler.
func (l *LocalStream) Subscribe(fn EventHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, fn)
	l.mu.Unlock()
}

// Publish delivers events synchronously to every handler.
func (l *LocalStream) Publish(ctx context.Context, events []reaction.Event) {
	l.mu.RLock()
	handlers := append([]EventHandler(nil), l.handlers...)
	l.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range handlers {
			fn(ctx, ev)
		}
	}
}
