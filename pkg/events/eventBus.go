package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 100

type IEventBus interface {
	Publish(ctx context.Context, event *types.LeafInsertedEvent)
	Subscribe(accountID string) *Subscription
	ListenToChannel(ctx context.Context, sub *Subscription, handleFunc func(*types.LeafInsertedEvent))
}

// Subscription receives LeafInserted events. An empty AccountID receives
// events for every account.
type Subscription struct {
	ID        string
	AccountID string
	Events    <-chan *types.LeafInsertedEvent

	ch  chan *types.LeafInsertedEvent
	bus *EventBus
}

// Close unsubscribes and closes the Events channel
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.ID)
}

// EventBus fans LeafInserted events out to in-process subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	bufferSize  int
	logger      *zap.Logger
	closed      bool
}

func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &EventBus{
		subscribers: make(map[string]*Subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

func (b *EventBus) Subscribe(accountID string) *Subscription {
	ch := make(chan *types.LeafInsertedEvent, b.bufferSize)
	sub := &Subscription{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Events:    ch,
		ch:        ch,
		bus:       b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	b.subscribers[sub.ID] = sub
	b.logger.Sugar().Debugw("Event subscriber added", "subscription", sub.ID, "account", accountID)
	return sub
}

// Unsubscribe removes a subscriber. Idempotent.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
	b.logger.Sugar().Debugw("Event subscriber removed", "subscription", id)
}

func (b *EventBus) Publish(ctx context.Context, event *types.LeafInsertedEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.AccountID != "" && sub.AccountID != event.AccountID {
			continue
		}
		select {
		case sub.ch <- event:
			b.logger.Sugar().Debugw("Event sent to subscriber", "subscription", sub.ID, "account", event.AccountID, "index", event.Index)
		case <-ctx.Done():
			b.logger.Sugar().Warnw("Context done before sending event", "subscription", sub.ID, "account", event.AccountID, "index", event.Index)
			return
		default:
			b.logger.Sugar().Warnw("Subscriber channel is full, dropping event", "subscription", sub.ID, "account", event.AccountID, "index", event.Index)
		}
	}
}

// ListenToChannel calls handleFunc for every event on sub until ctx is done
// or the subscription is closed.
func (b *EventBus) ListenToChannel(ctx context.Context, sub *Subscription, handleFunc func(*types.LeafInsertedEvent)) {
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				b.logger.Sugar().Debugw("Event listener exiting, subscription closed", "subscription", sub.ID)
				return
			}
			handleFunc(event)
		case <-ctx.Done():
			b.logger.Sugar().Debugw("Event listener exiting due to context done", "subscription", sub.ID)
			return
		}
	}
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber and rejects new ones
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
