package autopilot

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"autopen/domain"
)

// Orchestrator owns at most one non-terminal task for its project. All state
// changes go through it (single writer); callers read snapshots or subscribe.
type Orchestrator struct {
	mu      sync.Mutex
	backend Backend
	task    *domain.AutopilotTask
	hub     *hub

	cancelRun context.CancelFunc

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	// onUpdate is invoked after every task mutation with a snapshot copy;
	// the checkout layer uses it to persist progress to the session store.
	onUpdate func(task domain.AutopilotTask)
}

func New(backend Backend, onUpdate func(task domain.AutopilotTask)) *Orchestrator {
	return &Orchestrator{
		backend:     backend,
		hub:         newHub(nil),
		maxAttempts: readEnvIntDefault("AUTOPILOT_STREAM_MAX_ATTEMPTS", 3),
		backoffBase: 500 * time.Millisecond,
		backoffCap:  30 * time.Second,
		onUpdate:    onUpdate,
	}
}

// SetRetryPolicy overrides the stream retry knobs (tests use short backoffs).
func (o *Orchestrator) SetRetryPolicy(maxAttempts int, base, ceiling time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if maxAttempts > 0 {
		o.maxAttempts = maxAttempts
	}
	if base > 0 {
		o.backoffBase = base
	}
	if ceiling > 0 {
		o.backoffCap = ceiling
	}
}

// Start launches a generation task and opens the progress stream. A second
// call while a non-terminal task exists fails with ErrTaskAlreadyActive.
func (o *Orchestrator) Start(ctx context.Context, config domain.AutopilotConfig) (*domain.AutopilotTask, error) {
	o.mu.Lock()
	if o.task != nil && !o.task.Status.Terminal() {
		o.mu.Unlock()
		return nil, domain.ErrTaskAlreadyActive
	}
	// Reserve the slot before the backend call so concurrent starts lose.
	o.task = &domain.AutopilotTask{
		Config:    config,
		Status:    domain.TaskStatusStarting,
		CreatedAt: time.Now(),
	}
	o.mu.Unlock()

	taskID, err := o.backend.StartTask(ctx, config)
	if err != nil {
		o.mu.Lock()
		o.task = nil
		o.mu.Unlock()
		return nil, &domain.AutopilotFailedError{Reason: err.Error(), Retryable: true}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.task.TaskID = taskID
	o.task.Status = domain.TaskStatusRunning
	o.cancelRun = cancel
	o.hub = newHub(nil)
	snap := *o.task
	hub := o.hub
	o.mu.Unlock()

	hub.Publish(eventFromTask(&snap))
	o.notify(snap)

	go o.run(runCtx, taskID)
	return &snap, nil
}

// Subscribe attaches to the current task's progress stream: last known value
// first, then live updates, closed after the terminal event.
func (o *Orchestrator) Subscribe() (<-chan ProgressEvent, func()) {
	o.mu.Lock()
	h := o.hub
	o.mu.Unlock()
	return h.Subscribe()
}

// Snapshot returns a copy of the current task, or nil when none was started.
func (o *Orchestrator) Snapshot() *domain.AutopilotTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil {
		return nil
	}
	cp := *o.task
	return &cp
}

// Pause is only legal from Running; anything else is a caller bug.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	if o.task == nil || o.task.Status != domain.TaskStatusRunning {
		st := domain.TaskStatusIdle
		if o.task != nil {
			st = o.task.Status
		}
		o.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", domain.ErrInvalidTransition, st)
	}
	taskID := o.task.TaskID
	o.mu.Unlock()

	if err := o.backend.PauseTask(ctx, taskID); err != nil {
		return fmt.Errorf("暂停任务失败: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil || o.task.Status != domain.TaskStatusRunning {
		return nil // raced with a terminal event; nothing to do
	}
	o.task.Status = domain.TaskStatusPaused
	snap := *o.task
	o.hub.Publish(eventFromTask(&snap))
	go o.notify(snap)
	return nil
}

// Resume is only legal from Paused.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.task == nil || o.task.Status != domain.TaskStatusPaused {
		st := domain.TaskStatusIdle
		if o.task != nil {
			st = o.task.Status
		}
		o.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, st)
	}
	taskID := o.task.TaskID
	o.mu.Unlock()

	if err := o.backend.ResumeTask(ctx, taskID); err != nil {
		return fmt.Errorf("恢复任务失败: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil || o.task.Status != domain.TaskStatusPaused {
		return nil
	}
	o.task.Status = domain.TaskStatusRunning
	snap := *o.task
	o.hub.Publish(eventFromTask(&snap))
	go o.notify(snap)
	return nil
}

// Cancel is legal from any non-terminal state; a terminal task yields
// ErrAlreadyTerminal. Tears down the progress stream and asks the backend to
// stop the server-side task (best effort).
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.task == nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: no task", domain.ErrInvalidTransition)
	}
	if o.task.Status.Terminal() {
		o.mu.Unlock()
		return domain.ErrAlreadyTerminal
	}
	o.task.Status = domain.TaskStatusCancelled
	taskID := o.task.TaskID
	snap := *o.task
	cancelRun := o.cancelRun
	o.cancelRun = nil
	hub := o.hub
	o.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if taskID != "" {
		if err := o.backend.CancelTask(ctx, taskID); err != nil {
			log.Printf("autopilot cancel backend task=%s: %v", taskID, err)
		}
	}
	hub.Close(eventFromTask(&snap))
	o.notify(snap)
	return nil
}

// run consumes the backend stream until a terminal event. Transport drops are
// retried with exponential backoff up to maxAttempts; exhaustion surfaces as
// Failed with the retryable flag so the controller can offer a restart.
func (o *Orchestrator) run(ctx context.Context, taskID string) {
	attempts := 0
	for {
		o.mu.Lock()
		from := 0
		if o.task != nil {
			from = o.task.ProgressPercent
		}
		max := o.maxAttempts
		o.mu.Unlock()

		ch, err := o.backend.StreamProgress(ctx, taskID, from)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts >= max {
				o.failTask(taskID, fmt.Sprintf("progress stream: %v", err), true)
				return
			}
			o.sleep(ctx, attempts)
			continue
		}

		sawTerminal := false
		for ev := range ch {
			attempts = 0
			if done := o.applyEvent(taskID, ev); done {
				sawTerminal = true
			}
		}
		if sawTerminal || ctx.Err() != nil {
			return
		}

		// Stream dropped without a terminal event.
		attempts++
		if attempts >= max {
			o.failTask(taskID, "progress stream dropped", true)
			return
		}
		o.sleep(ctx, attempts)
	}
}

// applyEvent folds one backend event into the task. Progress is clamped
// monotone; events for a superseded task are ignored. Returns true on a
// terminal event.
func (o *Orchestrator) applyEvent(taskID string, ev Event) bool {
	o.mu.Lock()
	if o.task == nil || o.task.TaskID != taskID || o.task.Status.Terminal() {
		o.mu.Unlock()
		return true
	}

	if ev.Terminal {
		if ev.Err != "" {
			o.task.Status = domain.TaskStatusFailed
			o.task.Error = ev.Err
			o.task.Retryable = ev.Retryable
		} else {
			o.task.Status = domain.TaskStatusSucceeded
			o.task.ProgressPercent = 100
			o.task.ResultDocID = ev.DocID
		}
		snap := *o.task
		hub := o.hub
		o.mu.Unlock()
		hub.Close(eventFromTask(&snap))
		o.notify(snap)
		return true
	}

	if ev.Percent > o.task.ProgressPercent {
		o.task.ProgressPercent = ev.Percent
	}
	if ev.Note != "" {
		o.task.Note = ev.Note
	}
	snap := *o.task
	hub := o.hub
	o.mu.Unlock()
	hub.Publish(eventFromTask(&snap))
	o.notify(snap)
	return false
}

func (o *Orchestrator) failTask(taskID, reason string, retryable bool) {
	o.applyEvent(taskID, Event{Terminal: true, Err: reason, Retryable: retryable})
}

func (o *Orchestrator) sleep(ctx context.Context, attempt int) {
	d := o.backoffBase << uint(attempt-1)
	if d > o.backoffCap {
		d = o.backoffCap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (o *Orchestrator) notify(task domain.AutopilotTask) {
	if o.onUpdate != nil {
		o.onUpdate(task)
	}
}

func eventFromTask(t *domain.AutopilotTask) ProgressEvent {
	return ProgressEvent{
		TaskID:    t.TaskID,
		Status:    t.Status,
		Percent:   t.ProgressPercent,
		Note:      t.Note,
		DocID:     t.ResultDocID,
		Err:       t.Error,
		Retryable: t.Retryable,
	}
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
