package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soudan-ai/soudan/internal/storage"
)

// Broker fans out Postgres NOTIFY payloads on the requests channel to SSE
// subscribers. One LISTEN connection serves every subscriber, so a burst of
// dashboard tabs doesn't multiply database connections.
type Broker struct {
	db         *storage.DB
	logger     *slog.Logger
	bufferSize int

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewBroker creates a broker. bufferSize is the per-subscriber channel
// capacity; a subscriber that falls more than bufferSize events behind
// starts losing events rather than blocking the fan-out.
func NewBroker(db *storage.DB, bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broker{
		db:         db,
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[chan []byte]struct{}),
	}
}

// Run listens for notifications until ctx is cancelled. Transient listen
// errors back off and retry; the broker only stops with its context.
func (b *Broker) Run(ctx context.Context) {
	defer b.closeAll()

	for {
		if err := b.db.Listen(ctx, storage.ChannelRequests); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("broker listen failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for {
			channel, payload, err := b.db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				b.logger.Warn("broker notification wait failed", "error", err)
				break
			}
			if channel != storage.ChannelRequests {
				continue
			}
			b.broadcast(formatSSE("request", payload))
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, b.bufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber. Safe to call after the broker stopped.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// broadcast delivers an event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Broker) broadcast(event []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber")
		}
	}
}

// closeAll closes every subscriber channel and rejects future subscriptions.
func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// formatSSE renders a server-sent event frame.
func formatSSE(event, data string) []byte {
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event, data)
}
