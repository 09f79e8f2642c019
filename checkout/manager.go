package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"autopen/autopilot"
	"autopen/domain"
	"autopen/paygate"
	"autopen/pricelock"
	"autopen/store"
	"autopen/streamq"
)

var ErrSessionExists = errors.New("checkout session already exists")
var ErrSessionNotFound = errors.New("checkout session not found")

// Manager owns the controller-per-project lifecycle: create on first quote,
// hydrate from the session store after a restart, dispose on teardown. It is
// also the payment-notify sink (intent id -> project routing).
type Manager struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	intentIndex map[string]string // intent id -> project id

	sessions store.SessionStore
	locker   *pricelock.Locker
	gate     *paygate.Gate
	backend  autopilot.Backend
	queue    streamq.TaskQueue
	now      func() time.Time
}

func NewManager(sessions store.SessionStore, locker *pricelock.Locker, gate *paygate.Gate, backend autopilot.Backend, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		controllers: make(map[string]*Controller),
		intentIndex: make(map[string]string),
		sessions:    sessions,
		locker:      locker,
		gate:        gate,
		backend:     backend,
		now:         now,
	}
}

// SetQueue switches autopilot execution to queue mode: after payment the
// project is handed to the worker pool over Redis Streams instead of being
// driven in-process.
func (m *Manager) SetQueue(q streamq.TaskQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

// Create builds a controller for a new project. Creating twice for the same
// project is rejected; re-quote an existing session instead.
func (m *Manager) Create(projectID string, p Params) (*Controller, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("projectId 为空")
	}
	if p.WordCount <= 0 {
		return nil, fmt.Errorf("invalid word count %d", p.WordCount)
	}
	if !p.VerifyLevel.Valid() {
		return nil, fmt.Errorf("invalid verify level %q", p.VerifyLevel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.controllers[projectID]; ok {
		return nil, ErrSessionExists
	}
	if _, ok, err := m.sessions.Get(projectID); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrSessionExists
	}

	c := New(projectID, p, m.locker, m.gate, m.backend, m.now, m.persistFunc(projectID))
	snap := c.Snapshot()
	if err := m.sessions.Create(&snap.Session); err != nil {
		return nil, err
	}
	m.controllers[projectID] = c
	return c, nil
}

// Get returns the live controller, hydrating from the session store when this
// pod hasn't seen the project yet.
func (m *Manager) Get(projectID string) (*Controller, error) {
	projectID = strings.TrimSpace(projectID)

	m.mu.Lock()
	c, live := m.controllers[projectID]
	q := m.queue
	m.mu.Unlock()
	if live {
		// Queue mode: a worker may have advanced the session in the store.
		if q != nil {
			if stored, found, err := m.sessions.Get(projectID); err == nil && found {
				c.AdoptStored(stored)
			}
		}
		return c, nil
	}

	sess, ok, err := m.sessions.Get(projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[projectID]; ok {
		return c, nil
	}
	c = Hydrate(sess, m.locker, m.gate, m.backend, m.now, m.persistFunc(projectID))
	if sess.Intent != nil {
		m.intentIndex[sess.Intent.ID] = projectID
	}
	m.controllers[projectID] = c
	return c, nil
}

// StartAutopilot runs the task in-process, or enqueues it when a worker queue
// is configured.
func (m *Manager) StartAutopilot(ctx context.Context, c *Controller) (*domain.AutopilotTask, error) {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q == nil {
		return c.StartAutopilot(ctx)
	}
	if err := c.MarkHandedOff(); err != nil {
		return nil, err
	}
	if err := q.Enqueue(ctx, c.ProjectID()); err != nil {
		c.UndoHandOff()
		return nil, &domain.AutopilotFailedError{Reason: "投递任务失败: " + err.Error(), Retryable: true}
	}
	return nil, nil
}

// PauseAutopilot / ResumeAutopilot / CancelAutopilot address the worker-owned
// task directly in queue mode (the worker mirrors the resulting state back
// into the session store).
func (m *Manager) PauseAutopilot(ctx context.Context, c *Controller) error {
	return m.lifecycle(ctx, c, "pause")
}

func (m *Manager) ResumeAutopilot(ctx context.Context, c *Controller) error {
	return m.lifecycle(ctx, c, "resume")
}

func (m *Manager) CancelAutopilot(ctx context.Context, c *Controller) error {
	return m.lifecycle(ctx, c, "cancel")
}

// Retry delegates to the controller, except for a failed autopilot run in
// queue mode, which is replayed through the queue.
func (m *Manager) Retry(ctx context.Context, c *Controller) error {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q != nil && c.Snapshot().Session.State == domain.CheckoutStateFailed {
		_, err := m.StartAutopilot(ctx, c)
		return err
	}
	return c.Retry(ctx)
}

func (m *Manager) lifecycle(ctx context.Context, c *Controller, action string) error {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q == nil {
		switch action {
		case "pause":
			return c.PauseAutopilot(ctx)
		case "resume":
			return c.ResumeAutopilot(ctx)
		default:
			return c.CancelAutopilot(ctx)
		}
	}

	snap := c.Snapshot()
	if snap.Session.Task == nil || snap.Session.Task.Status.Terminal() {
		if action == "cancel" && snap.Session.Task != nil {
			return domain.ErrAlreadyTerminal
		}
		return fmt.Errorf("%w: %s with no running task", domain.ErrInvalidTransition, action)
	}
	taskID := snap.Session.Task.TaskID
	status := snap.Session.Task.Status
	switch action {
	case "pause":
		if status != domain.TaskStatusRunning {
			return fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, status)
		}
		return m.backend.PauseTask(ctx, taskID)
	case "resume":
		if status != domain.TaskStatusPaused {
			return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, status)
		}
		return m.backend.ResumeTask(ctx, taskID)
	default:
		return m.backend.CancelTask(ctx, taskID)
	}
}

// Dispose drops the in-memory controller and its subscriptions. The persisted
// session survives; Get hydrates it again on demand.
func (m *Manager) Dispose(projectID string) {
	m.mu.Lock()
	c, ok := m.controllers[strings.TrimSpace(projectID)]
	if ok {
		delete(m.controllers, strings.TrimSpace(projectID))
	}
	m.mu.Unlock()
	if ok {
		c.Dispose()
	}
}

// HandlePaid routes an async provider success notify to the owning
// controller. The amount must match the intent exactly.
func (m *Manager) HandlePaid(outTradeNo string, amountFen int64, paidAt time.Time) error {
	m.mu.Lock()
	projectID, ok := m.intentIndex[outTradeNo]
	m.mu.Unlock()
	if !ok {
		// Fresh pod: the in-memory index is empty until the project is polled.
		// The store keeps an intent->project key so notifies survive restarts.
		pid, found, err := m.sessions.FindByIntent(outTradeNo)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("notify for unknown intent %q", outTradeNo)
		}
		projectID = pid
	}

	c, err := m.Get(projectID)
	if err != nil {
		return err
	}
	snap := c.Snapshot()
	if snap.Session.Intent == nil || snap.Session.Intent.ID != outTradeNo {
		return fmt.Errorf("notify for stale intent %q", outTradeNo)
	}
	if snap.Session.Intent.AmountFen != amountFen {
		return fmt.Errorf("notify amount mismatch: intent=%d notify=%d", snap.Session.Intent.AmountFen, amountFen)
	}
	return c.HandleProviderPaid(outTradeNo, paidAt)
}

// persistFunc gives each controller a write-through hook. Sessions are
// updated in place; if the record vanished (TTL) it is re-created so an
// active controller never loses its state.
func (m *Manager) persistFunc(projectID string) func(sess domain.CheckoutSession) {
	return func(sess domain.CheckoutSession) {
		if sess.Intent != nil {
			m.mu.Lock()
			m.intentIndex[sess.Intent.ID] = projectID
			m.mu.Unlock()
		}
		_, ok, err := m.sessions.Update(projectID, func(s *domain.CheckoutSession) {
			*s = sess
		})
		if err != nil {
			log.Printf("persist checkout session %s: %v", projectID, err)
			return
		}
		if !ok {
			if err := m.sessions.Create(&sess); err != nil {
				log.Printf("re-create checkout session %s: %v", projectID, err)
			}
		}
	}
}
