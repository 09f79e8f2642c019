package autopilot

import (
	"sync"

	"autopen/domain"
)

// ProgressEvent is what subscribers see: the cumulative task state, not a
// delta. Percent is non-decreasing until a terminal status closes the stream.
type ProgressEvent struct {
	TaskID    string            `json:"taskId"`
	Status    domain.TaskStatus `json:"status"`
	Percent   int               `json:"percent"`
	Note      string            `json:"note,omitempty"`
	DocID     string            `json:"docId,omitempty"`
	Err       string            `json:"error,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// hub fan-outs progress events. Late subscribers get the last known value
// first, then live updates. Slow subscribers are coalesced: when a buffer is
// full the oldest queued value is dropped, which is safe because events are
// cumulative.
type hub struct {
	mu     sync.Mutex
	last   *ProgressEvent
	subs   map[int]chan ProgressEvent
	next   int
	closed bool
}

func newHub(initial *ProgressEvent) *hub {
	return &hub{
		last: initial,
		subs: make(map[int]chan ProgressEvent),
	}
}

// Subscribe returns a receive channel plus an unsubscribe func. The channel
// is closed on unsubscribe or after a terminal publish; unsubscribing twice
// is a no-op.
func (h *hub) Subscribe() (<-chan ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ProgressEvent, 16)
	if h.last != nil {
		ch <- *h.last
	}
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (h *hub) Publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = &ev
	for _, ch := range h.subs {
		h.send(ch, ev)
	}
}

// Close publishes the terminal event and closes every subscriber channel.
func (h *hub) Close(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = &ev
	h.closed = true
	for id, ch := range h.subs {
		h.send(ch, ev)
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) send(ch chan ProgressEvent, ev ProgressEvent) {
	select {
	case ch <- ev:
	default:
		// Buffer full: drop the oldest queued value and push the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
