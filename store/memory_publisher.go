package store

import (
	"context"
	"sync"
)

// PublishedEvent is one event recorded by MemoryPublisher.
type PublishedEvent struct {
	EventType string
	Data      map[string]interface{}
}

// MemoryPublisher is an in-process Publisher fake for tests: it records
// every published event instead of emitting it.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// NewMemoryPublisher builds an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, eventType string, event map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{EventType: eventType, Data: event})
	return nil
}

// Events returns a copy of every event published so far, in publish order.
func (p *MemoryPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}
