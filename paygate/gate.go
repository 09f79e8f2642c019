// Package paygate turns a valid price lock into a payment intent and confirms
// it against the payment provider. Intents are immutable once terminal; a
// successful confirmation consumes the backing lock so UI re-submission can
// never double-charge.
package paygate

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autopen/domain"
	"autopen/pricelock"
)

// Outcome is the provider's view of one order.
type Outcome struct {
	Terminal  bool
	Succeeded bool
	Reason    string
}

// Provider is the external payment collaborator (WeChat Pay Native in prod).
type Provider interface {
	CreateOrder(outTradeNo string, amountFen int64) (codeURL string, err error)
	QueryOrder(outTradeNo string) (Outcome, error)
	CloseOrder(outTradeNo string) error
}

// ErrNotPaid: provider has no terminal state yet (user hasn't scanned/paid).
// Transient; the intent stays pending and confirm can be called again.
var ErrNotPaid = errors.New("payment not completed yet")

type record struct {
	intent *domain.PaymentIntent
	lock   *domain.PriceLock
}

type Gate struct {
	mu       sync.Mutex
	now      func() time.Time
	provider Provider
	records  map[string]*record
}

func New(provider Provider, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		now:      now,
		provider: provider,
		records:  make(map[string]*record),
	}
}

// CreateIntent issues a pending intent from a valid lock. A stale or spent
// lock yields ErrExpiredLock (caller must re-acquire and retry); a
// non-positive amount yields ErrInvalidAmount.
func (g *Gate) CreateIntent(lock *domain.PriceLock) (*domain.PaymentIntent, error) {
	if !pricelock.IsValid(lock, g.now()) {
		return nil, domain.ErrExpiredLock
	}
	if lock.ValueFen <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	id := newIntentID()
	codeURL, err := g.provider.CreateOrder(id, lock.ValueFen)
	if err != nil {
		return nil, fmt.Errorf("创建支付订单失败: %w", err)
	}

	intent := &domain.PaymentIntent{
		ID:        id,
		LockID:    lock.ID,
		AmountFen: lock.ValueFen,
		Status:    domain.PaymentStatusPending,
		CodeURL:   codeURL,
		CreatedAt: g.now(),
	}

	g.mu.Lock()
	g.records[id] = &record{intent: intent, lock: lock}
	g.mu.Unlock()

	return copyIntent(intent), nil
}

// Confirm resolves the intent. Idempotent: a terminal intent returns the
// stored outcome without re-invoking the provider. Success consumes the lock.
func (g *Gate) Confirm(intentID string) (*domain.PaymentIntent, error) {
	g.mu.Lock()
	rec, ok := g.records[strings.TrimSpace(intentID)]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown payment intent %q", intentID)
	}

	g.mu.Lock()
	if rec.intent.Status.Terminal() {
		out, err := copyIntent(rec.intent), terminalErr(rec.intent)
		g.mu.Unlock()
		return out, err
	}
	g.mu.Unlock()

	// Provider call outside the lock; confirm cannot be cancelled once
	// submitted, it resolves to succeeded/failed.
	outcome, err := g.provider.QueryOrder(rec.intent.ID)
	if err != nil {
		return copyIntent(rec.intent), fmt.Errorf("查询支付结果失败: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-check: notify may have landed while we were querying.
	if rec.intent.Status.Terminal() {
		return copyIntent(rec.intent), terminalErr(rec.intent)
	}
	if !outcome.Terminal {
		return copyIntent(rec.intent), ErrNotPaid
	}
	if outcome.Succeeded {
		g.markSucceededLocked(rec)
		return copyIntent(rec.intent), nil
	}
	rec.intent.Status = domain.PaymentStatusFailed
	rec.intent.FailReason = outcome.Reason
	return copyIntent(rec.intent), &domain.PaymentFailedError{Reason: outcome.Reason}
}

// MarkPaid records a provider-notified success (async notify path).
// Idempotent; marking an already-failed intent is rejected.
func (g *Gate) MarkPaid(intentID string, paidAt time.Time) (*domain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[strings.TrimSpace(intentID)]
	if !ok {
		return nil, fmt.Errorf("unknown payment intent %q", intentID)
	}
	if rec.intent.Status == domain.PaymentStatusSucceeded {
		return copyIntent(rec.intent), nil
	}
	if rec.intent.Status == domain.PaymentStatusFailed {
		return copyIntent(rec.intent), domain.ErrAlreadyTerminal
	}
	g.markSucceededLocked(rec)
	rec.intent.PaidAt = &paidAt
	return copyIntent(rec.intent), nil
}

// Restore re-registers a persisted intent (and its backing lock) after a
// restart, so Confirm/MarkPaid keep working across pods. A terminal intent is
// restored as-is and stays immutable.
func (g *Gate) Restore(intent *domain.PaymentIntent, lock *domain.PriceLock) {
	if intent == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[intent.ID]; ok {
		return
	}
	g.records[intent.ID] = &record{intent: copyIntent(intent), lock: lock}
}

// Close cancels a pending order at the provider (user abandoned payment).
func (g *Gate) Close(intentID string) error {
	g.mu.Lock()
	rec, ok := g.records[strings.TrimSpace(intentID)]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown payment intent %q", intentID)
	}
	if rec.intent.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	return g.provider.CloseOrder(rec.intent.ID)
}

func (g *Gate) markSucceededLocked(rec *record) {
	now := g.now()
	rec.intent.Status = domain.PaymentStatusSucceeded
	rec.intent.PaidAt = &now
	if rec.lock != nil {
		rec.lock.Spent = true
	}
}

func terminalErr(intent *domain.PaymentIntent) error {
	if intent.Status == domain.PaymentStatusFailed {
		return &domain.PaymentFailedError{Reason: intent.FailReason}
	}
	return nil
}

func copyIntent(in *domain.PaymentIntent) *domain.PaymentIntent {
	cp := *in
	if in.PaidAt != nil {
		t := *in.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}

func newIntentID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "pi_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("pi_%d", time.Now().UnixNano())
}
