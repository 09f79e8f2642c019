package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"autopen/domain"
	"autopen/obs"
	"autopen/redislock"
	"autopen/store"
	"autopen/streamq"
)

// Worker runs paid projects to completion in queue mode: the API pod enqueues
// the project after payment and a worker replica drives the generation
// backend, mirroring progress into the session store for polling.
type Worker struct {
	sessions store.SessionStore
	backend  Backend
	queue    streamq.TaskQueue
	lock     *redislock.Client
	lockTTL  time.Duration
	lockKick time.Duration
	inflight chan struct{}
}

func NewWorker(sessions store.SessionStore, backend Backend, queue streamq.TaskQueue, lock *redislock.Client) *Worker {
	maxInflight := readEnvIntDefault("AUTOPILOT_MAX_INFLIGHT", 4)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	lockTTL := readEnvDurationSecondsDefault("AUTOPILOT_LOCK_TTL_SECONDS", 2*time.Hour)
	lockKick := readEnvDurationSecondsDefault("AUTOPILOT_LOCK_REFRESH_SECONDS", 30*time.Second)
	if lockKick <= 0 {
		lockKick = 30 * time.Second
	}
	return &Worker{
		sessions: sessions,
		backend:  backend,
		queue:    queue,
		lock:     lock,
		lockTTL:  lockTTL,
		lockKick: lockKick,
		inflight: make(chan struct{}, maxInflight),
	}
}

func (w *Worker) acquireInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	w.inflight <- struct{}{}
}

func (w *Worker) releaseInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	select {
	case <-w.inflight:
	default:
	}
}

func (w *Worker) Process(ctx context.Context, projectID string) error {
	w.acquireInflight()
	defer w.releaseInflight()

	if w == nil || w.sessions == nil {
		return errors.New("worker/store 未初始化")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	// Distributed lock: single writer per project across worker replicas.
	if w.lock != nil {
		token, err := redislock.Token()
		if err != nil {
			return err
		}
		lockKey := w.lock.Key(projectID)
		ok, err := w.lock.Acquire(ctx, lockKey, token, w.lockTTL)
		if err != nil {
			// transient: keep pending
			return err
		}
		if !ok {
			// Likely a duplicate enqueue; ACK and move on.
			return streamq.Terminal(fmt.Errorf("project locked: %s", lockKey))
		}
		defer func() {
			_, _ = w.lock.Release(context.Background(), lockKey, token)
		}()

		stopKick := make(chan struct{})
		defer close(stopKick)
		go func() {
			t := time.NewTicker(w.lockKick)
			defer t.Stop()
			for {
				select {
				case <-stopKick:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					_, err := w.lock.Refresh(context.Background(), lockKey, token, w.lockTTL)
					if err != nil {
						// best-effort; TTL is long enough for typical runs
						log.Printf("lock refresh failed project=%s: %v", projectID, err)
					}
				}
			}
		}()
	}

	sess, ok, err := w.sessions.Get(projectID)
	if err != nil {
		return err
	}
	if !ok {
		return streamq.Terminal(fmt.Errorf("session not found: %s", projectID))
	}
	if sess.State.Terminal() {
		return streamq.Terminal(nil)
	}
	if sess.State != domain.CheckoutStatePaymentSucceeded && sess.State != domain.CheckoutStateAutopilotRunning {
		// Not paid (or already rolled back): drop the message, the API pod
		// owns the session until payment lands.
		return streamq.Terminal(fmt.Errorf("session %s not runnable in state %s", projectID, sess.State))
	}

	cfg := domain.AutopilotConfig{
		VerifyLevel:     sess.VerifyLevel,
		Addons:          append([]string(nil), sess.Addons...),
		AllowPreprint:   sess.AllowPreprint,
		UseStyleSamples: sess.UseStyleSamples,
		WordCount:       sess.WordCount,
		FromStep:        "strategy",
	}

	orch := New(w.backend, func(task domain.AutopilotTask) {
		w.persistTask(projectID, task)
	})

	if _, err := orch.Start(ctx, cfg); err != nil {
		var af *domain.AutopilotFailedError
		if errors.As(err, &af) && af.Retryable {
			// keep pending; another attempt may reach the backend
			obs.RecordWorkerRun("autopilot", start, err)
			return err
		}
		obs.RecordWorkerRun("autopilot", start, err)
		return streamq.Terminal(w.fail(projectID, err))
	}

	events, cancel := orch.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			// Worker shutdown mid-run: keep the message pending so another
			// replica re-runs the project after the lock expires. Cancelling
			// here would turn a deploy into a user-visible cancellation.
			obs.RecordWorkerRun("autopilot", start, ctx.Err())
			return ctx.Err()
		case ev, open := <-events:
			if !open {
				obs.RecordWorkerRun("autopilot", start, nil)
				return streamq.Terminal(nil)
			}
			if ev.Status.Terminal() {
				var runErr error
				if ev.Status == domain.TaskStatusFailed {
					runErr = errors.New(ev.Err)
				}
				obs.RecordWorkerRun("autopilot", start, runErr)
				return streamq.Terminal(nil)
			}
		}
	}
}

// persistTask mirrors orchestrator updates into the session store so polling
// API pods see live progress.
func (w *Worker) persistTask(projectID string, task domain.AutopilotTask) {
	t := task
	_, _, err := w.sessions.Update(projectID, func(s *domain.CheckoutSession) {
		if s.State.Terminal() {
			return
		}
		s.Task = &t
		switch task.Status {
		case domain.TaskStatusSucceeded:
			s.State = domain.CheckoutStateDone
			s.DocID = task.ResultDocID
		case domain.TaskStatusFailed:
			s.State = domain.CheckoutStateFailed
			s.Error = task.Error
		case domain.TaskStatusCancelled:
			s.State = domain.CheckoutStateCancelled
		default:
			s.State = domain.CheckoutStateAutopilotRunning
		}
	})
	if err != nil {
		log.Printf("persist task update project=%s: %v", projectID, err)
	}
}

func (w *Worker) fail(projectID string, err error) error {
	if strings.TrimSpace(projectID) == "" {
		return err
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_, _, _ = w.sessions.Update(projectID, func(s *domain.CheckoutSession) {
		if s.State.Terminal() {
			return
		}
		s.State = domain.CheckoutStateFailed
		s.Error = msg
	})
	return err
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
