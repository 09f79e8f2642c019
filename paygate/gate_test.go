package paygate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"autopen/domain"
)

// scriptedProvider resolves QueryOrder from a per-order script.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	creates  int
	closed   []string
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{outcomes: make(map[string]Outcome)}
}

func (p *scriptedProvider) CreateOrder(outTradeNo string, amountFen int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	return "weixin://wxpay/bizpayurl?pr=" + outTradeNo, nil
}

func (p *scriptedProvider) QueryOrder(outTradeNo string) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.outcomes[outTradeNo]
	if !ok {
		return Outcome{}, nil // pending
	}
	return out, nil
}

func (p *scriptedProvider) CloseOrder(outTradeNo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, outTradeNo)
	return nil
}

func (p *scriptedProvider) resolve(outTradeNo string, out Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[outTradeNo] = out
}

func validLock(now time.Time) *domain.PriceLock {
	return &domain.PriceLock{
		ID:          "lock_test",
		ValueFen:    11500,
		Currency:    "CNY",
		IssuedAt:    now,
		ExpiresAt:   now.Add(15 * time.Minute),
		VerifyLevel: domain.VerifyLevelStandard,
		Addons:      []string{"evidencePack"},
	}
}

func TestCreateIntentRejectsExpiredLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := New(newScriptedProvider(), func() time.Time { return now })

	lock := validLock(now.Add(-time.Hour))
	if _, err := g.CreateIntent(lock); !errors.Is(err, domain.ErrExpiredLock) {
		t.Fatalf("expected ErrExpiredLock, got %v", err)
	}

	spent := validLock(now)
	spent.Spent = true
	if _, err := g.CreateIntent(spent); !errors.Is(err, domain.ErrExpiredLock) {
		t.Fatalf("spent lock should map to ErrExpiredLock, got %v", err)
	}
}

func TestCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := New(newScriptedProvider(), func() time.Time { return now })
	lock := validLock(now)
	lock.ValueFen = 0
	if _, err := g.CreateIntent(lock); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestConfirmPendingThenSuccessConsumesLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newScriptedProvider()
	g := New(p, func() time.Time { return now })

	lock := validLock(now)
	intent, err := g.CreateIntent(lock)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Status != domain.PaymentStatusPending || intent.AmountFen != lock.ValueFen {
		t.Fatalf("unexpected intent: %+v", intent)
	}

	if _, err := g.Confirm(intent.ID); !errors.Is(err, ErrNotPaid) {
		t.Fatalf("unresolved order should be ErrNotPaid, got %v", err)
	}

	p.resolve(intent.ID, Outcome{Terminal: true, Succeeded: true})
	got, err := g.Confirm(intent.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != domain.PaymentStatusSucceeded || got.PaidAt == nil {
		t.Fatalf("unexpected confirmed intent: %+v", got)
	}
	if !lock.Spent {
		t.Fatalf("success must consume the backing lock")
	}

	// The spent lock can never back a second intent.
	if _, err := g.CreateIntent(lock); !errors.Is(err, domain.ErrExpiredLock) {
		t.Fatalf("spent lock reuse should fail, got %v", err)
	}
}

func TestConfirmIdempotentAfterTerminal(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newScriptedProvider()
	g := New(p, func() time.Time { return now })

	intent, err := g.CreateIntent(validLock(now))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	p.resolve(intent.ID, Outcome{Terminal: true, Succeeded: true})
	if _, err := g.Confirm(intent.ID); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	// Flip the provider to failure: a terminal intent must not re-query.
	p.resolve(intent.ID, Outcome{Terminal: true, Succeeded: false, Reason: "余额不足"})
	got, err := g.Confirm(intent.ID)
	if err != nil {
		t.Fatalf("second confirm should return stored success, got %v", err)
	}
	if got.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("terminal status mutated: %s", got.Status)
	}
}

func TestConfirmFailureYieldsPaymentFailedError(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newScriptedProvider()
	g := New(p, func() time.Time { return now })

	intent, err := g.CreateIntent(validLock(now))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	p.resolve(intent.ID, Outcome{Terminal: true, Succeeded: false, Reason: "用户取消支付"})

	got, err := g.Confirm(intent.ID)
	var pf *domain.PaymentFailedError
	if !errors.As(err, &pf) || pf.Reason != "用户取消支付" {
		t.Fatalf("expected PaymentFailedError, got %v", err)
	}
	if got.Status != domain.PaymentStatusFailed {
		t.Fatalf("intent status = %s", got.Status)
	}

	// Repeating confirm keeps returning the stored failure.
	if _, err := g.Confirm(intent.ID); !errors.As(err, &pf) {
		t.Fatalf("repeat confirm should replay failure, got %v", err)
	}
}

func TestMarkPaidNotifyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := New(newScriptedProvider(), func() time.Time { return now })

	lock := validLock(now)
	intent, err := g.CreateIntent(lock)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	paidAt := now.Add(30 * time.Second)
	got, err := g.MarkPaid(intent.ID, paidAt)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if got.Status != domain.PaymentStatusSucceeded || !got.PaidAt.Equal(paidAt) {
		t.Fatalf("unexpected intent after notify: %+v", got)
	}
	if !lock.Spent {
		t.Fatalf("notify success must consume the lock")
	}

	// Idempotent re-notify.
	if _, err := g.MarkPaid(intent.ID, paidAt.Add(time.Minute)); err != nil {
		t.Fatalf("re-notify should be a no-op, got %v", err)
	}
}

func TestMarkPaidAfterFailureRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newScriptedProvider()
	g := New(p, func() time.Time { return now })

	intent, err := g.CreateIntent(validLock(now))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	p.resolve(intent.ID, Outcome{Terminal: true, Succeeded: false, Reason: "风控拦截"})
	_, _ = g.Confirm(intent.ID)

	if _, err := g.MarkPaid(intent.ID, now); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestRestoreKeepsConfirmWorking(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newScriptedProvider()
	g := New(p, func() time.Time { return now })

	lock := validLock(now)
	intent := &domain.PaymentIntent{
		ID:        "pi_restored",
		LockID:    lock.ID,
		AmountFen: lock.ValueFen,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
	}
	g.Restore(intent, lock)

	p.resolve("pi_restored", Outcome{Terminal: true, Succeeded: true})
	got, err := g.Confirm("pi_restored")
	if err != nil {
		t.Fatalf("confirm restored intent: %v", err)
	}
	if got.Status != domain.PaymentStatusSucceeded || !lock.Spent {
		t.Fatalf("restored confirm did not consume lock: %+v spent=%v", got, lock.Spent)
	}
}

func TestCloseTerminalIntentRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newScriptedProvider()
	g := New(p, func() time.Time { return now })

	intent, err := g.CreateIntent(validLock(now))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := g.MarkPaid(intent.ID, now); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if err := g.Close(intent.ID); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("closing a paid intent should fail, got %v", err)
	}
}
