// Package testutil provides in-memory store and bus implementations for
// service and handler tests, plus a helper for tests that need a live
// Postgres schema.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
)

// PublishedEvent is one recorded Publish call.
type PublishedEvent struct {
	Channel string
	Event   string
	Payload any
}

// DecodePayload round-trips the payload through JSON into dst, matching what
// a wire subscriber would observe.
func (e PublishedEvent) DecodePayload(dst any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// BusRecorder collects published events for assertions.
type BusRecorder struct {
	mu     sync.Mutex
	events []PublishedEvent

	// FailWith, when set, is returned from every Publish call.
	FailWith error
}

// NewBusRecorder creates an empty recorder.
func NewBusRecorder() *BusRecorder {
	return &BusRecorder{}
}

// Publish records the event.
func (b *BusRecorder) Publish(_ context.Context, channel, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return b.FailWith
	}
	b.events = append(b.events, PublishedEvent{Channel: channel, Event: event, Payload: payload})
	return nil
}

// Events returns a snapshot of everything published so far.
func (b *BusRecorder) Events() []PublishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedEvent(nil), b.events...)
}

// ByEvent filters the snapshot to one event name.
func (b *BusRecorder) ByEvent(event string) []PublishedEvent {
	var out []PublishedEvent
	for _, e := range b.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// OnChannel filters the snapshot to one channel.
func (b *BusRecorder) OnChannel(channel string) []PublishedEvent {
	var out []PublishedEvent
	for _, e := range b.Events() {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recording.
func (b *BusRecorder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
