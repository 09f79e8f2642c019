package genbackend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"autopen/autopilot"
	"autopen/domain"
)

// Mock simulates the generation backend in-process: tasks advance a few
// percent per tick and succeed with a synthetic document id. Used when
// GEN_API_BASE is unset (local dev, demos).
type Mock struct {
	mu    sync.Mutex
	tick  time.Duration
	step  int
	tasks map[string]*mockTask
}

type mockTask struct {
	percent   int
	paused    bool
	cancelled bool
	done      bool
	docID     string
}

func NewMock(tick time.Duration) *Mock {
	if tick <= 0 {
		tick = time.Second
	}
	return &Mock{tick: tick, step: 7, tasks: make(map[string]*mockTask)}
}

func (m *Mock) StartTask(_ context.Context, _ domain.AutopilotConfig) (string, error) {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	id := "task_" + hex.EncodeToString(buf)
	m.mu.Lock()
	m.tasks[id] = &mockTask{docID: "doc_" + hex.EncodeToString(buf)}
	m.mu.Unlock()
	return id, nil
}

func (m *Mock) StreamProgress(ctx context.Context, taskID string, fromPercent int) (<-chan autopilot.Event, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown task %q", taskID)
	}
	_ = fromPercent // mock state is authoritative; resume picks up where it left off
	_ = t

	out := make(chan autopilot.Event, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			m.mu.Lock()
			t, ok := m.tasks[taskID]
			if !ok || t.cancelled {
				m.mu.Unlock()
				return
			}
			if t.paused {
				m.mu.Unlock()
				continue
			}
			t.percent += m.step
			if t.percent >= 100 {
				t.percent = 100
				t.done = true
			}
			ev := autopilot.Event{Percent: t.percent, Note: noteFor(t.percent)}
			if t.done {
				ev.Terminal = true
				ev.DocID = t.docID
			}
			m.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal {
				return
			}
		}
	}()
	return out, nil
}

func (m *Mock) PauseTask(_ context.Context, taskID string) error {
	return m.setPaused(taskID, true)
}

func (m *Mock) ResumeTask(_ context.Context, taskID string) error {
	return m.setPaused(taskID, false)
}

func (m *Mock) CancelTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return errors.New("unknown task")
	}
	t.cancelled = true
	return nil
}

func (m *Mock) setPaused(taskID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return errors.New("unknown task")
	}
	t.paused = paused
	return nil
}

func noteFor(percent int) string {
	switch {
	case percent < 20:
		return "拆解提纲"
	case percent < 50:
		return "撰写正文"
	case percent < 80:
		return "核验引文"
	case percent < 100:
		return "排版导出"
	default:
		return "完成"
	}
}
