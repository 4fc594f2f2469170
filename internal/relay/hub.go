package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/seantiz/backtestd/internal/model"
)

// subscriberBufferSize is the channel buffer for each live session.
// Events are dropped if a session falls this far behind.
const subscriberBufferSize = 64

// Hub fans task events out to the live sessions connected to this node.
// Sessions subscribe per user, optionally narrowed to one request id.
// It is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	users  map[int64]map[string]*subscriber
	closed bool
}

type subscriber struct {
	reqID string
	ch    chan model.TaskEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{users: make(map[int64]map[string]*subscriber)}
}

// Subscribe registers a live session for userID. A non-empty reqID limits
// delivery to events for that request. It returns the session id, the event
// channel and an unsubscribe function. After Close the channel is closed.
func (h *Hub) Subscribe(userID int64, reqID string) (string, <-chan model.TaskEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan model.TaskEvent, subscriberBufferSize)
	if h.closed {
		close(ch)
		return id, ch, func() {}
	}

	subs, ok := h.users[userID]
	if !ok {
		subs = make(map[string]*subscriber)
		h.users[userID] = subs
	}
	subs[id] = &subscriber{reqID: reqID, ch: ch}

	return id, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := subs[id]; !ok {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.users, userID)
		}
	}
}

// Deliver pushes ev to the owning user's sessions without blocking and
// returns how many sessions received it.
func (h *Hub) Deliver(ev model.TaskEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, sub := range h.users[ev.UserID] {
		if sub.reqID != "" && sub.reqID != ev.ReqID {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			// Drop for slow sessions; the task row remains authoritative.
			eventsDropped.Inc()
		}
	}
	return delivered
}

// Sessions returns the number of live sessions for userID.
func (h *Hub) Sessions(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

// Close closes every session channel. Later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for userID, subs := range h.users {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(h.users, userID)
	}
}
