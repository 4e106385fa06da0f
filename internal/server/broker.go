package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kotae/internal/storage"
)

// Notifier is the LISTEN/NOTIFY side of the Postgres store.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans action log notifications out to SSE subscribers.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker. Call Start to begin listening.
func NewBroker(n Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    n,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens on the action log channel until ctx is cancelled. It blocks.
func (b *Broker) Start(ctx context.Context) {
	if err := b.notifier.Listen(ctx, storage.ChannelActionLogs); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelActionLogs, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelActionLogs)

	for {
		_, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcast(formatSSE("action_log", payload))
	}
}

// Subscribe returns a channel of SSE-formatted events. Call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// broadcast drops the event for subscribers whose buffer is full.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(event, data string) []byte {
	return []byte("event: " + event + "\ndata: " + data + "\n\n")
}
