// Package checkout is the composition root: one controller per project
// sequences quote -> price lock -> payment -> autopilot into a single state
// machine. The controller is the only writer of its project's state; the UI
// reads snapshots and submits commands.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"autopen/autopilot"
	"autopen/domain"
	"autopen/obs"
	"autopen/paygate"
	"autopen/pricelock"
	"autopen/quote"
)

// Params creates or re-quotes a project.
type Params struct {
	WordCount       int
	VerifyLevel     domain.VerifyLevel
	AllowPreprint   bool
	UseStyleSamples bool
}

// Snapshot is the read model the presentation layer polls.
type Snapshot struct {
	Session       domain.CheckoutSession `json:"session"`
	Estimate      domain.Estimate        `json:"estimate"`
	AddonTotalFen int64                  `json:"addonTotalFen"`
	PayableFen    int64                  `json:"payableFen,omitempty"`
	LockRemaining time.Duration          `json:"lockRemainingMs,omitempty"`
}

type Controller struct {
	mu   sync.Mutex
	sess *domain.CheckoutSession

	now    func() time.Time
	locker *pricelock.Locker
	gate   *paygate.Gate
	pilot  *autopilot.Orchestrator

	events   *eventHub
	persist  func(sess domain.CheckoutSession)
	disposed bool
}

// New builds a controller in Quoted state (the estimate is a pure read, so a
// project with params is immediately quoted).
func New(projectID string, p Params, locker *pricelock.Locker, gate *paygate.Gate, backend autopilot.Backend, now func() time.Time, persist func(sess domain.CheckoutSession)) *Controller {
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		sess: &domain.CheckoutSession{
			ProjectID:       projectID,
			State:           domain.CheckoutStateQuoted,
			CreatedAt:       now(),
			WordCount:       p.WordCount,
			VerifyLevel:     p.VerifyLevel,
			AllowPreprint:   p.AllowPreprint,
			UseStyleSamples: p.UseStyleSamples,
		},
		now:     now,
		locker:  locker,
		gate:    gate,
		events:  newEventHub(),
		persist: persist,
	}
	c.pilot = autopilot.New(backend, c.onTaskUpdate)
	return c
}

// Hydrate rebuilds a controller from a persisted session (pod restart or
// cross-pod takeover). An in-flight intent is restored into the gate so
// confirm stays idempotent.
func Hydrate(sess *domain.CheckoutSession, locker *pricelock.Locker, gate *paygate.Gate, backend autopilot.Backend, now func() time.Time, persist func(sess domain.CheckoutSession)) *Controller {
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		sess:    sess,
		now:     now,
		locker:  locker,
		gate:    gate,
		events:  newEventHub(),
		persist: persist,
	}
	c.pilot = autopilot.New(backend, c.onTaskUpdate)
	if sess.Intent != nil {
		gate.Restore(sess.Intent, sess.Lock)
	}
	return c
}

func (c *Controller) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.ProjectID
}

// Subscribe returns the controller's domain event stream with an explicit
// unsubscribe handle.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// SubscribeProgress attaches to the current autopilot task's progress stream.
func (c *Controller) SubscribeProgress() (<-chan autopilot.ProgressEvent, func()) {
	return c.pilot.Subscribe()
}

// Snapshot returns the current read model. Lock expiry is detected lazily
// here (and on every command): no timer mutates state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapExpiredLockLocked()

	est := quote.Estimate(quote.Params{WordCount: c.sess.WordCount, VerifyLevel: c.sess.VerifyLevel})
	snap := Snapshot{
		Session:       *cloneSess(c.sess),
		Estimate:      est,
		AddonTotalFen: quote.Total(c.sess.Addons),
	}
	if c.sess.Lock != nil {
		snap.PayableFen = c.sess.Lock.ValueFen
		snap.LockRemaining = pricelock.Remaining(c.sess.Lock, c.now())
	}
	return snap
}

// SetVerifyLevel changes the verification level. While a lock or pending
// intent exists (before payment succeeded) this discards them and resets to
// Quoted; after payment it is a caller bug.
func (c *Controller) SetVerifyLevel(level domain.VerifyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("%w: verify level %q", domain.ErrInvalidTransition, level)
	}
	return c.mutateSelection(func() { c.sess.VerifyLevel = level })
}

// ToggleAddon adds/removes a catalog addon with the same reset semantics.
func (c *Controller) ToggleAddon(addonID string, on bool) error {
	if !quote.KnownAddon(addonID) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownAddon, addonID)
	}
	return c.mutateSelection(func() { c.sess.Addons = quote.Toggle(c.sess.Addons, addonID, on) })
}

// SetGenerationOptions tweaks options that don't affect price; a held lock
// survives.
func (c *Controller) SetGenerationOptions(allowPreprint, useStyleSamples bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.State.Terminal() {
		return fmt.Errorf("%w: session %s", domain.ErrInvalidTransition, c.sess.State)
	}
	c.sess.AllowPreprint = allowPreprint
	c.sess.UseStyleSamples = useStyleSamples
	c.persistLocked()
	return nil
}

func (c *Controller) mutateSelection(apply func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapExpiredLockLocked()

	switch c.sess.State {
	case domain.CheckoutStateQuoted:
		apply()
	case domain.CheckoutStateLocked, domain.CheckoutStatePaymentPending, domain.CheckoutStatePaymentFailed:
		// Price no longer matches selection: discard stale lock/intent.
		c.discardLockLocked("selection changed")
		apply()
	default:
		return fmt.Errorf("%w: selection change in %s", domain.ErrInvalidTransition, c.sess.State)
	}
	c.persistLocked()
	c.publishLocked(Event{Type: EventQuoteUpdated})
	return nil
}

// RequestLock acquires a fresh price lock from the current estimate plus
// addon total. Acquiring while Locked supersedes the old lock.
func (c *Controller) RequestLock() (*domain.PriceLock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapExpiredLockLocked()

	switch c.sess.State {
	case domain.CheckoutStateQuoted, domain.CheckoutStateLocked, domain.CheckoutStatePaymentFailed:
	default:
		return nil, fmt.Errorf("%w: lock in %s", domain.ErrInvalidTransition, c.sess.State)
	}
	if c.sess.Lock != nil {
		c.discardLockLocked("superseded")
	}

	est := quote.Estimate(quote.Params{WordCount: c.sess.WordCount, VerifyLevel: c.sess.VerifyLevel})
	lock := c.locker.Acquire(est, c.sess.Addons)
	c.sess.Lock = lock
	c.sess.Intent = nil
	c.sess.State = domain.CheckoutStateLocked
	c.persistLocked()
	c.publishLocked(Event{Type: EventLockAcquired})

	cp := *lock
	return &cp, nil
}

// Pay creates a payment intent from the held lock. An expired/spent lock
// resets to Quoted and returns ErrExpiredLock (retryable: re-lock).
func (c *Controller) Pay(ctx context.Context) (*domain.PaymentIntent, error) {
	c.mu.Lock()
	c.reapExpiredLockLocked()
	if c.sess.State != domain.CheckoutStateLocked {
		st := c.sess.State
		c.mu.Unlock()
		if st == domain.CheckoutStateQuoted {
			return nil, domain.ErrExpiredLock
		}
		return nil, fmt.Errorf("%w: pay in %s", domain.ErrInvalidTransition, st)
	}
	lock := c.sess.Lock
	c.mu.Unlock()

	intent, err := c.gate.CreateIntent(lock)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Lock != lock {
		// The lock was discarded or superseded while the provider call was in
		// flight; an intent priced off the old lock must never attach.
		if err == nil {
			c.closeIntentAsync(intent.ID)
		}
		return nil, domain.ErrExpiredLock
	}
	if err != nil {
		if errors.Is(err, domain.ErrExpiredLock) {
			c.discardLockLocked("expired")
			c.sess.State = domain.CheckoutStateQuoted
			c.persistLocked()
		}
		return nil, err
	}
	c.sess.Intent = intent
	c.sess.State = domain.CheckoutStatePaymentPending
	c.persistLocked()
	c.publishLocked(Event{Type: EventPaymentPending, CodeURL: intent.CodeURL})
	return intent, nil
}

// ConfirmPayment resolves the pending intent against the provider.
// paygate.ErrNotPaid leaves the session in PaymentPending (ask again);
// a provider failure moves to PaymentFailed (retryable via Retry).
func (c *Controller) ConfirmPayment(ctx context.Context) (*domain.PaymentIntent, error) {
	c.mu.Lock()
	if c.sess.State != domain.CheckoutStatePaymentPending {
		st := c.sess.State
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: confirm in %s", domain.ErrInvalidTransition, st)
	}
	intentID := c.sess.Intent.ID
	c.mu.Unlock()

	intent, err := c.gate.Confirm(intentID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Intent == nil || c.sess.Intent.ID != intentID {
		// A selection change discarded the intent while the query was in
		// flight; a superseded intent can never mark the session paid.
		return nil, domain.ErrExpiredLock
	}
	if intent != nil {
		c.sess.Intent = intent
	}
	if err != nil {
		if errors.Is(err, paygate.ErrNotPaid) {
			c.persistLocked()
			return intent, err
		}
		var pf *domain.PaymentFailedError
		if errors.As(err, &pf) {
			c.sess.State = domain.CheckoutStatePaymentFailed
			c.sess.Error = pf.Reason
			c.persistLocked()
			c.publishLocked(Event{Type: EventPaymentFailed, Reason: pf.Reason, Retryable: true})
		}
		return intent, err
	}
	c.markPaidLocked()
	return intent, nil
}

// HandleProviderPaid applies an async provider notify (amount already
// verified by the caller). Idempotent.
func (c *Controller) HandleProviderPaid(intentID string, paidAt time.Time) error {
	intent, err := c.gate.MarkPaid(intentID, paidAt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Intent == nil || c.sess.Intent.ID != intentID {
		return fmt.Errorf("notify for stale intent %q", intentID)
	}
	c.sess.Intent = intent
	if c.sess.State == domain.CheckoutStatePaymentPending || c.sess.State == domain.CheckoutStateLocked {
		c.markPaidLocked()
	}
	return nil
}

func (c *Controller) markPaidLocked() {
	if c.sess.Lock != nil {
		c.sess.Lock.Spent = true
	}
	c.sess.State = domain.CheckoutStatePaymentSucceeded
	c.sess.Error = ""
	c.persistLocked()
	c.publishLocked(Event{Type: EventPaymentSucceeded})
}

// StartAutopilot hands off to the orchestrator after a successful payment.
func (c *Controller) StartAutopilot(ctx context.Context) (*domain.AutopilotTask, error) {
	c.mu.Lock()
	switch c.sess.State {
	case domain.CheckoutStatePaymentSucceeded, domain.CheckoutStateFailed:
	case domain.CheckoutStateAutopilotRunning:
		c.mu.Unlock()
		return nil, domain.ErrTaskAlreadyActive
	default:
		st := c.sess.State
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: start autopilot in %s", domain.ErrInvalidTransition, st)
	}
	cfg := domain.AutopilotConfig{
		VerifyLevel:     c.sess.VerifyLevel,
		Addons:          append([]string(nil), c.sess.Addons...),
		AllowPreprint:   c.sess.AllowPreprint,
		UseStyleSamples: c.sess.UseStyleSamples,
		WordCount:       c.sess.WordCount,
		FromStep:        "strategy",
	}
	c.mu.Unlock()

	task, err := c.pilot.Start(ctx, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// Don't clobber a terminal update that raced ahead of us.
	if c.sess.Task == nil || !c.sess.Task.Status.Terminal() {
		c.sess.Task = task
		c.sess.State = domain.CheckoutStateAutopilotRunning
		c.sess.Error = ""
	}
	c.persistLocked()
	return task, nil
}

// MarkHandedOff transitions to AutopilotRunning without starting a local
// task: in queue mode the worker pool owns execution.
func (c *Controller) MarkHandedOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.sess.State {
	case domain.CheckoutStatePaymentSucceeded, domain.CheckoutStateFailed:
	case domain.CheckoutStateAutopilotRunning:
		return domain.ErrTaskAlreadyActive
	default:
		return fmt.Errorf("%w: start autopilot in %s", domain.ErrInvalidTransition, c.sess.State)
	}
	c.sess.State = domain.CheckoutStateAutopilotRunning
	c.sess.Error = ""
	c.persistLocked()
	c.publishLocked(Event{Type: EventAutopilotUpdate})
	return nil
}

// UndoHandOff rolls back a failed enqueue so the user can retry.
func (c *Controller) UndoHandOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.State == domain.CheckoutStateAutopilotRunning && (c.sess.Task == nil || c.sess.Task.Status.Terminal()) {
		c.sess.State = domain.CheckoutStatePaymentSucceeded
		c.persistLocked()
	}
}

// AdoptStored folds worker-side progress from the session store into the
// in-memory session. Only forward movement is adopted; local command state is
// never rolled back.
func (c *Controller) AdoptStored(stored *domain.CheckoutSession) {
	if stored == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.State != domain.CheckoutStateAutopilotRunning {
		return
	}
	if stored.Task == nil {
		return
	}
	cur := 0
	if c.sess.Task != nil {
		cur = c.sess.Task.ProgressPercent
		if c.sess.Task.Status.Terminal() {
			return
		}
	}
	if !stored.Task.Status.Terminal() && stored.Task.ProgressPercent <= cur && stored.State == c.sess.State {
		return
	}
	t := *stored.Task
	c.sess.Task = &t
	c.sess.State = stored.State
	c.sess.DocID = stored.DocID
	c.sess.Error = stored.Error
	switch stored.State {
	case domain.CheckoutStateDone:
		c.publishLocked(Event{Type: EventDone, DocID: stored.DocID, Percent: 100})
	case domain.CheckoutStateFailed:
		c.publishLocked(Event{Type: EventFailed, Reason: stored.Error, Retryable: t.Retryable})
	case domain.CheckoutStateCancelled:
		c.publishLocked(Event{Type: EventCancelled})
	default:
		c.publishLocked(Event{Type: EventAutopilotUpdate, Percent: t.ProgressPercent})
	}
}

func (c *Controller) PauseAutopilot(ctx context.Context) error  { return c.pilot.Pause(ctx) }
func (c *Controller) ResumeAutopilot(ctx context.Context) error { return c.pilot.Resume(ctx) }

// CancelAutopilot cancels the running task; the terminal update moves the
// session to Cancelled.
func (c *Controller) CancelAutopilot(ctx context.Context) error {
	return c.pilot.Cancel(ctx)
}

// Retry replays the minimal step for the current failure: re-lock after
// expiry, re-pay after a failed payment, or re-start autopilot with the same
// config. Project inputs are never lost.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	c.reapExpiredLockLocked()
	st := c.sess.State
	lockValid := pricelock.IsValid(c.sess.Lock, c.now())
	c.mu.Unlock()

	switch st {
	case domain.CheckoutStateQuoted:
		_, err := c.RequestLock()
		return err
	case domain.CheckoutStatePaymentPending:
		_, err := c.ConfirmPayment(ctx)
		return err
	case domain.CheckoutStatePaymentFailed:
		if !lockValid {
			if _, err := c.RequestLock(); err != nil {
				return err
			}
		} else {
			c.mu.Lock()
			c.sess.State = domain.CheckoutStateLocked
			c.persistLocked()
			c.mu.Unlock()
		}
		_, err := c.Pay(ctx)
		return err
	case domain.CheckoutStateFailed:
		_, err := c.StartAutopilot(ctx)
		return err
	default:
		return fmt.Errorf("%w: retry in %s", domain.ErrInvalidTransition, st)
	}
}

// Dispose tears down subscriptions. It does not touch the underlying task:
// cancelling the task itself is a distinct, explicit operation.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()
	c.events.Close()
}

// onTaskUpdate receives every autopilot mutation (snapshot copies).
func (c *Controller) onTaskUpdate(task domain.AutopilotTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := task
	c.sess.Task = &t

	switch task.Status {
	case domain.TaskStatusSucceeded:
		c.sess.State = domain.CheckoutStateDone
		c.sess.DocID = task.ResultDocID
		c.persistLocked()
		c.publishLocked(Event{Type: EventDone, DocID: task.ResultDocID, Percent: 100})
	case domain.TaskStatusFailed:
		c.sess.State = domain.CheckoutStateFailed
		c.sess.Error = task.Error
		c.persistLocked()
		c.publishLocked(Event{Type: EventFailed, Reason: task.Error, Retryable: task.Retryable})
	case domain.TaskStatusCancelled:
		c.sess.State = domain.CheckoutStateCancelled
		c.persistLocked()
		c.publishLocked(Event{Type: EventCancelled})
	default:
		if c.sess.State == domain.CheckoutStatePaymentSucceeded {
			c.sess.State = domain.CheckoutStateAutopilotRunning
		}
		c.persistLocked()
		c.publishLocked(Event{Type: EventAutopilotUpdate, Percent: task.ProgressPercent})
	}
}

// reapExpiredLockLocked detects expiry lazily: no timer callback can race a
// concurrent payment attempt.
func (c *Controller) reapExpiredLockLocked() {
	if c.sess.State != domain.CheckoutStateLocked && c.sess.State != domain.CheckoutStatePaymentPending {
		return
	}
	if c.sess.State == domain.CheckoutStatePaymentPending {
		// Intent submitted; lock expiry no longer matters (provider decides).
		return
	}
	if pricelock.IsValid(c.sess.Lock, c.now()) {
		return
	}
	c.discardLockLocked("expired")
	c.sess.State = domain.CheckoutStateQuoted
	c.persistLocked()
}

func (c *Controller) discardLockLocked(reason string) {
	if c.sess.Lock == nil && c.sess.Intent == nil {
		return
	}
	if c.sess.Intent != nil && !c.sess.Intent.Status.Terminal() {
		c.closeIntentAsync(c.sess.Intent.ID)
	}
	c.sess.Lock = nil
	c.sess.Intent = nil
	if c.sess.State == domain.CheckoutStateLocked || c.sess.State == domain.CheckoutStatePaymentPending || c.sess.State == domain.CheckoutStatePaymentFailed {
		c.sess.State = domain.CheckoutStateQuoted
	}
	c.publishLocked(Event{Type: EventLockInvalidated, Reason: reason})
}

// closeIntentAsync best-effort closes an abandoned provider order.
func (c *Controller) closeIntentAsync(intentID string) {
	go func() {
		if err := c.gate.Close(intentID); err != nil {
			log.Printf("close abandoned intent %s: %v", intentID, err)
		}
	}()
}

func (c *Controller) publishLocked(ev Event) {
	ev.ProjectID = c.sess.ProjectID
	ev.State = c.sess.State
	ev.At = c.now()
	obs.RecordCheckoutTransition(string(c.sess.State))
	// Publish without holding c.mu ordering concerns: hub sends are
	// non-blocking.
	c.events.Publish(ev)
}

func (c *Controller) persistLocked() {
	if c.persist == nil {
		return
	}
	c.persist(*cloneSess(c.sess))
}

func cloneSess(s *domain.CheckoutSession) *domain.CheckoutSession {
	cp := *s
	if s.Lock != nil {
		l := *s.Lock
		cp.Lock = &l
	}
	if s.Intent != nil {
		i := *s.Intent
		cp.Intent = &i
	}
	if s.Task != nil {
		t := *s.Task
		cp.Task = &t
	}
	cp.Addons = append([]string(nil), s.Addons...)
	return &cp
}
