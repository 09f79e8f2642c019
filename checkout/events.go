package checkout

import (
	"sync"
	"time"

	"autopen/domain"
)

type EventType string

const (
	EventQuoteUpdated     EventType = "quote_updated"
	EventLockAcquired     EventType = "lock_acquired"
	EventLockInvalidated  EventType = "lock_invalidated"
	EventPaymentPending   EventType = "payment_pending"
	EventPaymentFailed    EventType = "payment_failed"
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventAutopilotUpdate  EventType = "autopilot_update"
	EventDone             EventType = "done"
	EventFailed           EventType = "failed"
	EventCancelled        EventType = "cancelled"
)

// Event is a structured domain event; the presentation layer maps these to
// its own notifications (toasts, badges) instead of the core doing UI work.
type Event struct {
	Type      EventType           `json:"type"`
	ProjectID string              `json:"projectId"`
	State     domain.CheckoutState `json:"state"`
	At        time.Time           `json:"at"`

	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	DocID     string `json:"docId,omitempty"`
	Percent   int    `json:"percent,omitempty"`
	CodeURL   string `json:"code_url,omitempty"`
}

// eventHub mirrors the autopilot hub: buffered per-subscriber channels with
// oldest-dropped coalescing, explicit unsubscribe handles so re-renders and
// retries can't leak subscriptions.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 32)
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

func (h *eventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
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
}

func (h *eventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
