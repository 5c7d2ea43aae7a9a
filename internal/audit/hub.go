package audit

import (
	"context"
	"errors"
	"sync"
)

// Hub fans events out to in-process subscribers. It implements Publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub returns a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber. Slow subscribers miss events.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Multi publishes to each sink in order; all sinks run and errors are joined.
func Multi(sinks ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, evt Event) error {
		var errs []error
		for _, p := range sinks {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, evt); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
