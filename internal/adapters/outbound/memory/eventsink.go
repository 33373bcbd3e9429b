package memory

import (
	"context"
	"sync"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// EventSink stores published events in memory for callers that inspect what
// a cycle published.
type EventSink struct {
	mu     sync.RWMutex
	events []outbound.Event
	closed bool

	onPublish func(outbound.Event)
}

// NewEventSink creates a new in-memory event sink.
func NewEventSink() *EventSink {
	return &EventSink{
		events: make([]outbound.Event, 0),
	}
}

// Publish stores the event. Events published after Close are dropped.
func (s *EventSink) Publish(ctx context.Context, event outbound.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.events = append(s.events, event)

	if s.onPublish != nil {
		s.onPublish(event)
	}
	return nil
}

// Close marks the sink as closed.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// GetEvents returns all published events.
func (s *EventSink) GetEvents() []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]outbound.Event, len(s.events))
	copy(result, s.events)
	return result
}

// GetLiquidationEvents returns published liquidation events with the given
// status, or all of them when status is empty.
func (s *EventSink) GetLiquidationEvents(status string) []outbound.LiquidationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []outbound.LiquidationEvent
	for _, e := range s.events {
		le, ok := e.(outbound.LiquidationEvent)
		if !ok {
			continue
		}
		if status == "" || le.Status == status {
			result = append(result, le)
		}
	}
	return result
}

// SetOnPublish registers a callback invoked for every published event.
func (s *EventSink) SetOnPublish(fn func(outbound.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = fn
}
