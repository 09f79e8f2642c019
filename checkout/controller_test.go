package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopen/autopilot"
	"autopen/domain"
	"autopen/paygate"
	"autopen/pricelock"
	"autopen/quote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu       sync.Mutex
	outcomes map[string]paygate.Outcome
	closed   []string

	// Optional hooks to park a provider call mid-flight.
	createEntered chan struct{}
	createBlock   chan struct{}
	queryEntered  chan struct{}
	queryBlock    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{outcomes: make(map[string]paygate.Outcome)}
}

func (p *fakeProvider) CreateOrder(outTradeNo string, amountFen int64) (string, error) {
	p.mu.Lock()
	entered, block := p.createEntered, p.createBlock
	p.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return "weixin://wxpay/bizpayurl?pr=" + outTradeNo, nil
}

func (p *fakeProvider) QueryOrder(outTradeNo string) (paygate.Outcome, error) {
	p.mu.Lock()
	entered, block := p.queryEntered, p.queryBlock
	p.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcomes[outTradeNo], nil
}

func (p *fakeProvider) CloseOrder(outTradeNo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, outTradeNo)
	return nil
}

func (p *fakeProvider) resolve(outTradeNo string, out paygate.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[outTradeNo] = out
}

type fakeBackend struct {
	mu      sync.Mutex
	events  chan autopilot.Event
	paused  int
	resumed int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan autopilot.Event, 16)}
}

func (b *fakeBackend) StartTask(_ context.Context, _ domain.AutopilotConfig) (string, error) {
	return "task_ctl", nil
}

func (b *fakeBackend) StreamProgress(_ context.Context, _ string, _ int) (<-chan autopilot.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events, nil
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

func (b *fakeBackend) CancelTask(_ context.Context, _ string) error { return nil }

func newTestController(t *testing.T) (*Controller, *fakeClock, *fakeProvider, *fakeBackend) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	provider := newFakeProvider()
	backend := newFakeBackend()
	locker := pricelock.New(clk.Now, 15*time.Minute, pricelock.BoundFloor)
	gate := paygate.New(provider, clk.Now)
	c := New("proj_1", Params{WordCount: 2000, VerifyLevel: domain.VerifyLevelStandard}, locker, gate, backend, clk.Now, nil)
	return c, clk, provider, backend
}

func waitState(t *testing.T, c *Controller, want domain.CheckoutState) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.Session.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, c.Snapshot().Session.State)
	return Snapshot{}
}

func TestHappyPathQuoteToDone(t *testing.T) {
	c, _, provider, backend := newTestController(t)
	ctx := context.Background()

	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStateQuoted {
		t.Fatalf("initial state = %s", snap.Session.State)
	}
	floor := snap.Estimate.PriceMinFen

	lock, err := c.RequestLock()
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock.ValueFen != floor {
		t.Fatalf("lock value = %d, want estimate floor %d", lock.ValueFen, floor)
	}

	// Changing the selection invalidates the lock and re-quotes.
	if err := c.ToggleAddon("evidencePack", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	snap = c.Snapshot()
	if snap.Session.State != domain.CheckoutStateQuoted || snap.Session.Lock != nil {
		t.Fatalf("selection change should reset to quoted, got %s lock=%v", snap.Session.State, snap.Session.Lock)
	}

	lock2, err := c.RequestLock()
	if err != nil {
		t.Fatalf("re-lock: %v", err)
	}
	if lock2.ValueFen != floor+quote.MustPrice("evidencePack") {
		t.Fatalf("re-lock value = %d", lock2.ValueFen)
	}
	if lock2.ID == lock.ID {
		t.Fatalf("re-lock must issue a new lock id")
	}

	intent, err := c.Pay(ctx)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if intent.CodeURL == "" || c.Snapshot().Session.State != domain.CheckoutStatePaymentPending {
		t.Fatalf("unexpected intent/state: %+v %s", intent, c.Snapshot().Session.State)
	}

	// Unpaid: stays pending.
	if _, err := c.ConfirmPayment(ctx); !errors.Is(err, paygate.ErrNotPaid) {
		t.Fatalf("expected ErrNotPaid, got %v", err)
	}

	provider.resolve(intent.ID, paygate.Outcome{Terminal: true, Succeeded: true})
	if _, err := c.ConfirmPayment(ctx); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	snap = c.Snapshot()
	if snap.Session.State != domain.CheckoutStatePaymentSucceeded || !snap.Session.Lock.Spent {
		t.Fatalf("after confirm: state=%s spent=%v", snap.Session.State, snap.Session.Lock.Spent)
	}

	if _, err := c.StartAutopilot(ctx); err != nil {
		t.Fatalf("start autopilot: %v", err)
	}
	if _, err := c.StartAutopilot(ctx); !errors.Is(err, domain.ErrTaskAlreadyActive) {
		t.Fatalf("second start should be rejected, got %v", err)
	}

	backend.events <- autopilot.Event{Percent: 42, Note: "撰写正文"}
	backend.events <- autopilot.Event{Terminal: true, DocID: "doc_final"}
	snap = waitState(t, c, domain.CheckoutStateDone)
	if snap.Session.DocID != "doc_final" {
		t.Fatalf("docID = %q", snap.Session.DocID)
	}
}

func TestLazyLockExpiryResetsToQuoted(t *testing.T) {
	c, clk, _, _ := newTestController(t)

	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	clk.Advance(16 * time.Minute)

	// No timer fired; the next read observes the expiry.
	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStateQuoted || snap.Session.Lock != nil {
		t.Fatalf("expired lock should reset to quoted, got %s", snap.Session.State)
	}

	// Retry from here re-locks at current terms.
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.Snapshot().Session.State != domain.CheckoutStateLocked {
		t.Fatalf("retry should re-lock, got %s", c.Snapshot().Session.State)
	}
}

func TestPaymentFailureThenRetry(t *testing.T) {
	c, _, provider, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	intent, err := c.Pay(ctx)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	provider.resolve(intent.ID, paygate.Outcome{Terminal: true, Succeeded: false, Reason: "用户取消支付"})

	_, err = c.ConfirmPayment(ctx)
	var pf *domain.PaymentFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PaymentFailedError, got %v", err)
	}
	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStatePaymentFailed {
		t.Fatalf("state = %s", snap.Session.State)
	}

	// Retry replays the payment step with a fresh intent on the same lock.
	if err := c.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap = c.Snapshot()
	if snap.Session.State != domain.CheckoutStatePaymentPending {
		t.Fatalf("retry should land in payment_pending, got %s", snap.Session.State)
	}
	if snap.Session.Intent.ID == intent.ID {
		t.Fatalf("retry must not reuse the failed intent")
	}

	provider.resolve(snap.Session.Intent.ID, paygate.Outcome{Terminal: true, Succeeded: true})
	if _, err := c.ConfirmPayment(ctx); err != nil {
		t.Fatalf("confirm after retry: %v", err)
	}
	if c.Snapshot().Session.State != domain.CheckoutStatePaymentSucceeded {
		t.Fatalf("state = %s", c.Snapshot().Session.State)
	}
}

func TestGenerationOptionsKeepLock(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := c.SetGenerationOptions(true, true); err != nil {
		t.Fatalf("options: %v", err)
	}
	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStateLocked || snap.Session.Lock == nil {
		t.Fatalf("options change must not invalidate the lock, got %s", snap.Session.State)
	}
	if !snap.Session.AllowPreprint || !snap.Session.UseStyleSamples {
		t.Fatalf("options not applied: %+v", snap.Session)
	}
}

func TestUnknownAddonRejected(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if err := c.ToggleAddon("goldLeafBinding", true); !errors.Is(err, domain.ErrUnknownAddon) {
		t.Fatalf("expected ErrUnknownAddon, got %v", err)
	}
}

func TestProviderNotifyMarksPaid(t *testing.T) {
	c, clk, _, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	intent, err := c.Pay(ctx)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}

	if err := c.HandleProviderPaid(intent.ID, clk.Now()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStatePaymentSucceeded {
		t.Fatalf("state = %s", snap.Session.State)
	}
	// Re-notify is a no-op.
	if err := c.HandleProviderPaid(intent.ID, clk.Now()); err != nil {
		t.Fatalf("re-notify: %v", err)
	}
}

func TestEventSubscription(t *testing.T) {
	c, _, _, _ := newTestController(t)
	events, cancel := c.Subscribe()
	defer cancel()

	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != EventLockAcquired || ev.ProjectID != "proj_1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}

	if err := c.SetVerifyLevel(domain.VerifyLevelPro); err != nil {
		t.Fatalf("level: %v", err)
	}
	sawInvalidated := false
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type == EventLockInvalidated {
				sawInvalidated = true
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events after level change")
		}
	}
	if !sawInvalidated {
		t.Fatalf("level change should publish lock_invalidated")
	}
}

func TestConfirmDuringSelectionChangeCannotResurrectIntent(t *testing.T) {
	c, _, provider, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	intent, err := c.Pay(ctx)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	provider.resolve(intent.ID, paygate.Outcome{Terminal: true, Succeeded: true})

	provider.mu.Lock()
	provider.queryEntered = make(chan struct{}, 1)
	provider.queryBlock = make(chan struct{})
	provider.mu.Unlock()

	confirmed := make(chan error, 1)
	go func() {
		_, err := c.ConfirmPayment(ctx)
		confirmed <- err
	}()
	<-provider.queryEntered

	// Selection changes while the provider query is parked: the pending
	// intent is discarded and the session re-quotes.
	if err := c.ToggleAddon("evidencePack", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	close(provider.queryBlock)

	if err := <-confirmed; !errors.Is(err, domain.ErrExpiredLock) {
		t.Fatalf("superseded intent should be rejected, got %v", err)
	}
	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStateQuoted || snap.Session.Intent != nil {
		t.Fatalf("stale confirm mutated the session: state=%s intent=%v", snap.Session.State, snap.Session.Intent)
	}
}

func TestPayDuringSelectionChangeDropsStaleIntent(t *testing.T) {
	c, _, provider, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.RequestLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}

	provider.mu.Lock()
	provider.createEntered = make(chan struct{}, 1)
	provider.createBlock = make(chan struct{})
	provider.mu.Unlock()

	paid := make(chan error, 1)
	go func() {
		_, err := c.Pay(ctx)
		paid <- err
	}()
	<-provider.createEntered

	if err := c.ToggleAddon("evidencePack", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	close(provider.createBlock)

	if err := <-paid; !errors.Is(err, domain.ErrExpiredLock) {
		t.Fatalf("pay on superseded lock should be rejected, got %v", err)
	}
	snap := c.Snapshot()
	if snap.Session.State != domain.CheckoutStateQuoted || snap.Session.Intent != nil {
		t.Fatalf("stale pay mutated the session: state=%s intent=%v", snap.Session.State, snap.Session.Intent)
	}

	// The orphaned provider order gets closed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		provider.mu.Lock()
		n := len(provider.closed)
		provider.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("orphaned order never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, _, _, _ := newTestController(t)
	events, cancel := c.Subscribe()
	defer cancel()

	c.Dispose()
	c.Dispose()

	if _, ok := <-events; ok {
		t.Fatalf("event stream should be closed after dispose")
	}
}
