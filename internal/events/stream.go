package events

import (
	"context"
	"sync"
	"time"

	"jitadmin.org/internal/grant"
)

// LifecycleEvent describes one grant transition for live subscribers
// (the SSE endpoint that feeds the admin table view).
type LifecycleEvent struct {
	GrantID   string      `json:"grant_id"`
	Tenant    string      `json:"tenant"`
	Subject   string      `json:"subject"`
	Event     grant.Event `json:"event"`
	State     grant.State `json:"state"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stream fan-outs lifecycle events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan LifecycleEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan LifecycleEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt LifecycleEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// FromGrant builds the event payload for a grant transition.
func FromGrant(g *grant.Grant, event grant.Event, detail string) LifecycleEvent {
	return LifecycleEvent{
		GrantID:   g.ID,
		Tenant:    g.Tenant,
		Subject:   g.UserPrincipalName(),
		Event:     event,
		State:     g.State,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}
