// Package relay exposes a bridge to remote consumers over WebSocket. A
// client receives the whole event stream, or only the sessions it asked
// for, and can issue commands.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/agentbridge/bridge"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
)

// subscriber is one consumer of the broadcast. A nil sessions set means
// every event; otherwise only events of those sessions and events that
// belong to no session are delivered.
type subscriber struct {
	ch       chan bridge.Event
	sessions map[string]struct{}
	dropped  int
}

func (s *subscriber) wants(ev bridge.Event) bool {
	if s.sessions == nil || ev.SessionID == "" {
		return true
	}
	_, ok := s.sessions[ev.SessionID]
	return ok
}

// Broadcaster fans bridge events out to subscribers. A subscriber that
// falls behind loses its oldest buffered event, never the newest.
type Broadcaster struct {
	logger      *slog.Logger
	subscribers map[int]*subscriber
	mu          sync.Mutex
	nextID      int
	closed      bool
}

// NewBroadcaster returns a broadcaster with no subscribers. A nil logger
// means slog.Default().
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logging.OrDefault(logger),
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe registers a subscriber with room for bufSize events. With
// sessions given, the subscriber only sees those sessions (see Follow).
// Subscribing after the source has ended yields a closed channel.
func (b *Broadcaster) Subscribe(bufSize int, sessions ...string) (int, <-chan bridge.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan bridge.Event, max(bufSize, 1))}
	if len(sessions) > 0 {
		sub.sessions = make(map[string]struct{}, len(sessions))
		for _, s := range sessions {
			sub.sessions[s] = struct{}{}
		}
	}
	if b.closed {
		close(sub.ch)
		return id, sub.ch
	}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Follow adds sessionID to a filtered subscriber. Unfiltered subscribers
// already see every session and are left alone.
func (b *Broadcaster) Follow(id int, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok && sub.sessions != nil && sessionID != "" {
		sub.sessions[sessionID] = struct{}{}
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
		if sub.dropped > 0 {
			b.logger.Info("relay subscriber dropped events", "subscriber", id, "dropped", sub.dropped)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Run delivers every event from source until source closes or ctx ends,
// then closes all subscriber channels.
func (b *Broadcaster) Run(ctx context.Context, source <-chan bridge.Event) {
	defer b.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			b.broadcast(ev)
		}
	}
}

func (b *Broadcaster) broadcast(ev bridge.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full. Only the broadcaster sends, so after taking one event out
		// there is room unless the reader drained it concurrently, in which
		// case there is room anyway.
		select {
		case old := <-sub.ch:
			sub.dropped++
			b.logger.Warn("relay subscriber is behind, dropping oldest event",
				"subscriber", id, "kind", old.Kind, "session", old.SessionID)
		default:
		}
		sub.ch <- ev
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
