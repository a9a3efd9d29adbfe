package audit

import (
	"sync"
)

// Hub is an in-memory fan-out of audit entries with a small ring buffer for
// late subscribers. It backs the admin live tail; durable persistence is the
// Store's job, so a dropped hub message is never a correctness problem.
type Hub struct {
	mu    sync.Mutex
	ring  []Entry
	start int
	size  int

	subs      map[int]chan Entry
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Entry, capacity),
		subs: make(map[int]chan Entry),
	}
}

func (h *Hub) Publish(e Entry) {
	h.mu.Lock()
	h.pushLocked(e)
	for _, ch := range h.subs {
		// Don't let slow clients block the ingest path.
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Entry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Entry, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered entries with Seq > lastSeq, oldest-first.
// If lastSeq is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastSeq int64) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Entry, 0, h.size)
	for i := 0; i < h.size; i++ {
		e := h.ring[(h.start+i)%len(h.ring)]
		if lastSeq == 0 || e.Seq > lastSeq {
			out = append(out, e)
		}
	}
	return out
}

func (h *Hub) pushLocked(e Entry) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = e
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = e
	h.start = (h.start + 1) % capacity
}
