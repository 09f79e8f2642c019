package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopen/domain"
)

// fakeBackend scripts StreamProgress per attach attempt.
type fakeBackend struct {
	mu        sync.Mutex
	startErr  error
	attaches  int
	streamFn  func(attach, from int) (<-chan Event, error)
	paused    int
	resumed   int
	cancelled int
}

func (b *fakeBackend) StartTask(_ context.Context, _ domain.AutopilotConfig) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return "", b.startErr
	}
	return "task_fake", nil
}

func (b *fakeBackend) StreamProgress(_ context.Context, _ string, from int) (<-chan Event, error) {
	b.mu.Lock()
	b.attaches++
	n := b.attaches
	fn := b.streamFn
	b.mu.Unlock()
	return fn(n, from)
}

func (b *fakeBackend) PauseTask(_ context.Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused++
	return nil
}

func (b *fakeBackend) ResumeTask(_ context.Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumed++
	return nil
}

func (b *fakeBackend) CancelTask(_ context.Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled++
	return nil
}

func staticStream(ch chan Event) func(int, int) (<-chan Event, error) {
	return func(int, int) (<-chan Event, error) { return ch, nil }
}

func waitFor(t *testing.T, updates <-chan domain.AutopilotTask, pred func(domain.AutopilotTask) bool) domain.AutopilotTask {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case task := <-updates:
			if pred(task) {
				return task
			}
		case <-deadline:
			t.Fatalf("timed out waiting for task update")
		}
	}
}

func newTestOrchestrator(b Backend) (*Orchestrator, chan domain.AutopilotTask) {
	updates := make(chan domain.AutopilotTask, 64)
	o := New(b, func(task domain.AutopilotTask) { updates <- task })
	o.SetRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
	return o, updates
}

func TestStartRejectsSecondActiveTask(t *testing.T) {
	events := make(chan Event, 8)
	b := &fakeBackend{streamFn: staticStream(events)}
	o, updates := newTestOrchestrator(b)

	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); !errors.Is(err, domain.ErrTaskAlreadyActive) {
		t.Fatalf("expected ErrTaskAlreadyActive, got %v", err)
	}

	events <- Event{Terminal: true, DocID: "doc_1"}
	waitFor(t, updates, func(task domain.AutopilotTask) bool {
		return task.Status == domain.TaskStatusSucceeded
	})

	// Terminal task frees the slot.
	events2 := make(chan Event, 8)
	b.mu.Lock()
	b.streamFn = staticStream(events2)
	b.mu.Unlock()
	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("restart after terminal: %v", err)
	}
}

func TestProgressIsMonotoneAndReplayedToLateSubscribers(t *testing.T) {
	events := make(chan Event, 8)
	b := &fakeBackend{streamFn: staticStream(events)}
	o, updates := newTestOrchestrator(b)

	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	events <- Event{Percent: 10, Note: "拆解提纲"}
	events <- Event{Percent: 50, Note: "撰写正文"}
	events <- Event{Percent: 30} // stale: must not regress
	waitFor(t, updates, func(task domain.AutopilotTask) bool { return task.ProgressPercent == 50 })

	if snap := o.Snapshot(); snap.ProgressPercent != 50 {
		t.Fatalf("stale event regressed progress to %d", snap.ProgressPercent)
	}

	// A late subscriber sees the last known value immediately.
	sub, cancel := o.Subscribe()
	defer cancel()
	select {
	case ev := <-sub:
		if ev.Percent != 50 {
			t.Fatalf("replayed percent = %d, want 50", ev.Percent)
		}
	case <-time.After(time.Second):
		t.Fatalf("no replay for late subscriber")
	}

	events <- Event{Terminal: true, DocID: "doc_9"}
	var last ProgressEvent
	for ev := range sub {
		last = ev
	}
	if last.Status != domain.TaskStatusSucceeded || last.Percent != 100 || last.DocID != "doc_9" {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	events := make(chan Event, 8)
	b := &fakeBackend{streamFn: staticStream(events)}
	o, updates := newTestOrchestrator(b)

	if err := o.Pause(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pause with no task should be invalid, got %v", err)
	}

	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := o.Pause(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double pause should be invalid, got %v", err)
	}
	if err := o.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := o.Resume(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double resume should be invalid, got %v", err)
	}
	if b.paused != 1 || b.resumed != 1 {
		t.Fatalf("backend calls paused=%d resumed=%d", b.paused, b.resumed)
	}

	events <- Event{Terminal: true}
	waitFor(t, updates, func(task domain.AutopilotTask) bool { return task.Status.Terminal() })
}

func TestCancelAndAlreadyTerminal(t *testing.T) {
	events := make(chan Event, 8)
	b := &fakeBackend{streamFn: staticStream(events)}
	o, _ := newTestOrchestrator(b)

	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if snap := o.Snapshot(); snap.Status != domain.TaskStatusCancelled {
		t.Fatalf("status = %s", snap.Status)
	}
	b.mu.Lock()
	cancelled := b.cancelled
	b.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("backend cancel calls = %d", cancelled)
	}

	// Subscribers get the terminal event, then the stream closes.
	var last ProgressEvent
	for ev := range sub {
		last = ev
	}
	if last.Status != domain.TaskStatusCancelled {
		t.Fatalf("final event status = %s", last.Status)
	}

	if err := o.Cancel(context.Background()); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("second cancel should be ErrAlreadyTerminal, got %v", err)
	}
}

func TestStreamRetryExhaustionFailsRetryable(t *testing.T) {
	b := &fakeBackend{}
	b.streamFn = func(int, int) (<-chan Event, error) {
		return nil, errors.New("connection refused")
	}
	o, updates := newTestOrchestrator(b)
	o.SetRetryPolicy(2, time.Millisecond, 2*time.Millisecond)

	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitFor(t, updates, func(task domain.AutopilotTask) bool { return task.Status.Terminal() })
	if task.Status != domain.TaskStatusFailed || !task.Retryable {
		t.Fatalf("exhaustion should fail retryable, got %+v", task)
	}
}

func TestStreamReattachResumesFromLastPercent(t *testing.T) {
	b := &fakeBackend{}
	fromSeen := make(chan int, 2)
	b.streamFn = func(attach, from int) (<-chan Event, error) {
		fromSeen <- from
		ch := make(chan Event, 2)
		if attach == 1 {
			ch <- Event{Percent: 40}
			close(ch) // dropped without terminal
		} else {
			ch <- Event{Terminal: true, DocID: "doc_r"}
			close(ch)
		}
		return ch, nil
	}
	o, updates := newTestOrchestrator(b)

	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitFor(t, updates, func(task domain.AutopilotTask) bool { return task.Status.Terminal() })
	if task.Status != domain.TaskStatusSucceeded {
		t.Fatalf("status = %s (%s)", task.Status, task.Error)
	}

	if got := <-fromSeen; got != 0 {
		t.Fatalf("first attach from = %d", got)
	}
	if got := <-fromSeen; got != 40 {
		t.Fatalf("re-attach should resume from 40, got %d", got)
	}
}

func TestStartTaskFailureLeavesSlotFree(t *testing.T) {
	b := &fakeBackend{startErr: errors.New("上游不可用")}
	o, _ := newTestOrchestrator(b)

	_, err := o.Start(context.Background(), domain.AutopilotConfig{})
	var af *domain.AutopilotFailedError
	if !errors.As(err, &af) || !af.Retryable {
		t.Fatalf("expected retryable AutopilotFailedError, got %v", err)
	}
	if o.Snapshot() != nil {
		t.Fatalf("failed start should not leave a task behind")
	}

	events := make(chan Event, 2)
	b.mu.Lock()
	b.startErr = nil
	b.streamFn = staticStream(events)
	b.mu.Unlock()
	if _, err := o.Start(context.Background(), domain.AutopilotConfig{}); err != nil {
		t.Fatalf("retry start: %v", err)
	}
}
