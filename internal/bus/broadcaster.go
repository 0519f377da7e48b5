// Package bus provides the in-process dispatch broadcaster.
//
// The kernel publishes to named channels; SSE and WebSocket handlers
// subscribe on behalf of runners. Delivery is at-most-once per subscriber for
// droppable events and best-effort-with-eviction for critical ones: a full
// client buffer never blocks the publisher.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

const (
	// DefaultHistorySize bounds the per-channel replay ring.
	DefaultHistorySize = 256
	// DefaultClientBuffer is the per-subscriber channel depth.
	DefaultClientBuffer = 64
)

// Broadcaster fans events out to subscribers and keeps a bounded per-channel
// history for reconnect replay. It implements busdomain.Publisher.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string][]*subscriber
	closed  bool

	historyMu   sync.RWMutex
	history     map[string][]*busdomain.Event
	historySize int

	clientBuffer int
	logger       logging.Logger
	metrics      *observability.MetricsCollector
	now          func() time.Time
}

type subscriber struct {
	ch       chan *busdomain.Event
	channels []string
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithHistorySize bounds the per-channel replay ring.
func WithHistorySize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// WithClientBuffer sets the per-subscriber channel depth.
func WithClientBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.clientBuffer = n
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Broadcaster) { b.logger = logging.OrNop(logger) }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(b *Broadcaster) { b.metrics = metrics }
}

// WithClock overrides event timestamping, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// New constructs a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clients:      make(map[string][]*subscriber),
		history:      make(map[string][]*busdomain.Event),
		historySize:  DefaultHistorySize,
		clientBuffer: DefaultClientBuffer,
		logger:       logging.NewComponentLogger("Broadcaster"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish marshals payload and delivers the event to every subscriber of
// channel. Slow subscribers lose droppable events; critical events evict the
// subscriber's oldest buffered event to make room.
func (b *Broadcaster) Publish(ctx context.Context, channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	evt := &busdomain.Event{
		ID:        id.NewEventID(),
		Channel:   channel,
		Event:     event,
		Payload:   raw,
		Timestamp: b.now().UTC(),
	}

	b.storeHistory(channel, evt)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.clients[channel] {
		b.deliver(ctx, channel, sub, evt)
	}
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, channel string, sub *subscriber, evt *busdomain.Event) {
	select {
	case sub.ch <- evt:
		b.metrics.RecordBusEvent(ctx, channel, false)
		return
	default:
	}

	if !evt.Critical() {
		b.logger.Warn("subscriber buffer full on %s, dropping %s", channel, evt.Event)
		b.metrics.RecordBusEvent(ctx, channel, true)
		return
	}

	// Retry in case the consumer drained between attempts.
	select {
	case sub.ch <- evt:
		b.metrics.RecordBusEvent(ctx, channel, false)
		return
	default:
	}

	// Evict the oldest buffered event to make room for the critical one.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evt:
		b.logger.Warn("subscriber buffer saturated on %s; evicted oldest to deliver %s", channel, evt.Event)
		b.metrics.RecordBusEvent(ctx, channel, false)
	default:
		b.logger.Warn("subscriber buffer refilled before delivering critical %s on %s", evt.Event, channel)
		b.metrics.RecordBusEvent(ctx, channel, true)
	}
}

func (b *Broadcaster) storeHistory(channel string, evt *busdomain.Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	ring := append(b.history[channel], evt)
	if len(ring) > b.historySize {
		ring = ring[len(ring)-b.historySize:]
	}
	b.history[channel] = ring
}

// History returns a copy of the channel's retained events, oldest first.
func (b *Broadcaster) History(channel string) []*busdomain.Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	ring := b.history[channel]
	if len(ring) == 0 {
		return nil
	}
	out := make([]*busdomain.Event, len(ring))
	copy(out, ring)
	return out
}

// HistorySince returns retained events for channel published after the event
// with lastEventID. An empty or unknown lastEventID replays everything
// retained.
func (b *Broadcaster) HistorySince(channel, lastEventID string) []*busdomain.Event {
	events := b.History(channel)
	if lastEventID == "" {
		return events
	}
	for i, evt := range events {
		if evt.ID == lastEventID {
			return events[i+1:]
		}
	}
	return events
}

// Subscription is one subscriber's live feed.
type Subscription struct {
	b    *Broadcaster
	sub  *subscriber
	once sync.Once
}

// Events is the subscriber's receive channel. It is closed by Close or when
// the broadcaster shuts down.
func (s *Subscription) Events() <-chan *busdomain.Event {
	return s.sub.ch
}

// Close detaches the subscriber and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.unsubscribe(s.sub)
	})
}

// Subscribe attaches a subscriber to one or more channels. A subscriber on
// several channels receives one delivery per channel an event was published
// to; consumers deduplicate by event id.
func (b *Broadcaster) Subscribe(channels ...string) *Subscription {
	sub := &subscriber{
		ch:       make(chan *busdomain.Event, b.clientBuffer),
		channels: append([]string(nil), channels...),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return &Subscription{b: b, sub: sub}
	}
	for _, channel := range sub.channels {
		b.clients[channel] = append(b.clients[channel], sub)
	}
	b.logger.Debug("subscriber attached to %v", sub.channels)
	return &Subscription{b: b, sub: sub}
}

func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, channel := range sub.channels {
		clients := b.clients[channel]
		for i, c := range clients {
			if c == sub {
				b.clients[channel] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(b.clients[channel]) == 0 {
			delete(b.clients, channel)
		}
	}
	close(sub.ch)
}

// SubscriberCount reports how many subscribers a channel currently has.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[channel])
}

// Close shuts the broadcaster down, closing every subscriber channel.
// Publishes after Close are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[*subscriber]bool)
	for _, clients := range b.clients {
		for _, sub := range clients {
			if !seen[sub] {
				seen[sub] = true
				close(sub.ch)
			}
		}
	}
	b.clients = make(map[string][]*subscriber)
}
