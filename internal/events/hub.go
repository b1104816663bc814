package events

import "sync"

// Hub broadcasts notifications to live subscribers. Slow subscribers lose notifications.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
	buffer int
}

type subscriber struct {
	runID string
	ch    chan Notification
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: map[int]subscriber{}, buffer: buffer}
}

// Subscribe returns a channel receiving notifications for runID (all runs when empty)
// and a cancel func that closes it.
func (h *Hub) Subscribe(runID string) (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Notification, h.buffer)
	h.subs[id] = subscriber{runID: runID, ch: ch}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *Hub) Emit(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.runID != "" && s.runID != n.RunID {
			continue
		}
		select {
		case s.ch <- n:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
