package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRetain     = 100
	subscriberBacklog = 128
)

// Event is one published lifecycle event.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Filter selects events by type. An empty filter matches everything.
type Filter map[string]struct{}

// NewFilter builds a Filter from event type names, ignoring blanks.
func NewFilter(types ...string) Filter {
	f := Filter{}
	for _, t := range types {
		if t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[ev.Type]
	return ok
}

// ring keeps the most recent events in arrival order.
type ring struct {
	buf  []Event
	head int
	n    int
}

func (r *ring) push(ev Event) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) each(fn func(Event)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub fans lifecycle events out to live subscribers and retains the last few
// for clients that connect late. It satisfies lifecycle.Observer.
type Hub struct {
	dropped atomic.Int64

	mu     sync.Mutex
	seq    int64
	recent ring
	subs   map[uint64]*subscriber
	subSeq uint64
	closed bool
}

// NewHub creates a hub retaining the last retain events.
func NewHub(retain int) *Hub {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &Hub{
		recent: ring{buf: make([]Event, retain)},
		subs:   make(map[uint64]*subscriber),
	}
}

// Publish stamps data as the next event. IDs are assigned under the lock so
// every subscriber and the retained ring see them in increasing order.
// Subscribers whose backlog is full miss the event and it is counted in
// Dropped.
func (h *Hub) Publish(eventType string, data any) {
	encoded := encode(data)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	ev := Event{
		ID:   h.seq,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: encoded,
	}
	h.recent.push(ev)
	for _, sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events matching filter and a func
// that ends the subscription. The channel is closed on cancel or Close.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBacklog), filter: filter}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := h.subSeq
	h.subSeq++
	h.subs[id] = sub

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// SnapshotSince returns retained events newer than lastID that match filter,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.recent.n)
	h.recent.each(func(ev Event) {
		if ev.ID > lastID && filter.Match(ev) {
			out = append(out, ev)
		}
	})
	return out
}

// Dropped is the number of deliveries skipped because a subscriber lagged.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close ends every subscription; later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func encode(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
