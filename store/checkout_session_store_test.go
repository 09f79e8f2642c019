package store

import (
	"testing"
	"time"

	"autopen/domain"
)

func TestInMemoryCreateAndGet(t *testing.T) {
	s := NewInMemorySessionStore()

	if err := s.Create(&domain.CheckoutSession{}); err == nil {
		t.Fatalf("empty projectId should be rejected")
	}

	sess := &domain.CheckoutSession{
		ProjectID:   "proj_1",
		State:       domain.CheckoutStateQuoted,
		WordCount:   2000,
		VerifyLevel: domain.VerifyLevelStandard,
		CreatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.Create(sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := s.Get("proj_1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.WordCount != 2000 || got.State != domain.CheckoutStateQuoted {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, ok, _ := s.Get("proj_missing"); ok {
		t.Fatalf("missing session reported found")
	}
}

func TestInMemoryGetReturnsIsolatedCopy(t *testing.T) {
	s := NewInMemorySessionStore()
	if err := s.Create(&domain.CheckoutSession{
		ProjectID: "proj_2",
		State:     domain.CheckoutStateLocked,
		Lock:      &domain.PriceLock{ID: "lock_1", ValueFen: 6900},
		Addons:    []string{"evidencePack"},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _, _ := s.Get("proj_2")
	got.Lock.ValueFen = 1
	got.Addons[0] = "mutated"
	got.State = domain.CheckoutStateFailed

	fresh, _, _ := s.Get("proj_2")
	if fresh.Lock.ValueFen != 6900 || fresh.Addons[0] != "evidencePack" || fresh.State != domain.CheckoutStateLocked {
		t.Fatalf("caller mutation leaked into the store: %+v", fresh)
	}
}

func TestInMemoryUpdate(t *testing.T) {
	s := NewInMemorySessionStore()
	if err := s.Create(&domain.CheckoutSession{ProjectID: "proj_3", State: domain.CheckoutStateQuoted}); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, ok, err := s.Update("proj_3", func(sess *domain.CheckoutSession) {
		sess.State = domain.CheckoutStatePaymentSucceeded
		sess.DocID = "doc_u"
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if out.State != domain.CheckoutStatePaymentSucceeded || out.DocID != "doc_u" {
		t.Fatalf("update result: %+v", out)
	}

	got, _, _ := s.Get("proj_3")
	if got.State != domain.CheckoutStatePaymentSucceeded {
		t.Fatalf("update not applied: %s", got.State)
	}

	if _, ok, err := s.Update("proj_missing", func(*domain.CheckoutSession) {}); err != nil || ok {
		t.Fatalf("missing update: ok=%v err=%v", ok, err)
	}
}
