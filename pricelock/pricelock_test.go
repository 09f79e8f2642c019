package pricelock

import (
	"testing"
	"time"

	"autopen/domain"
	"autopen/quote"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestAcquireFloorPlusAddons(t *testing.T) {
	clk := newFakeClock()
	l := New(clk.Now, 15*time.Minute, BoundFloor)

	est := quote.Estimate(quote.Params{WordCount: 2000, VerifyLevel: domain.VerifyLevelStandard})
	lock := l.Acquire(est, []string{"evidencePack"})

	want := est.PriceMinFen + 1500
	if lock.ValueFen != want {
		t.Fatalf("lock value = %d, want %d", lock.ValueFen, want)
	}
	if lock.Currency != "CNY" {
		t.Fatalf("currency = %q", lock.Currency)
	}
	if !lock.ExpiresAt.Equal(clk.Now().Add(15 * time.Minute)) {
		t.Fatalf("expiresAt = %v", lock.ExpiresAt)
	}
	if lock.VerifyLevel != domain.VerifyLevelStandard {
		t.Fatalf("lock level = %q", lock.VerifyLevel)
	}
}

func TestAcquireCeilBound(t *testing.T) {
	clk := newFakeClock()
	l := New(clk.Now, time.Minute, BoundCeil)
	est := quote.Estimate(quote.Params{WordCount: 1000, VerifyLevel: domain.VerifyLevelBasic})
	lock := l.Acquire(est, nil)
	if lock.ValueFen != est.PriceMaxFen {
		t.Fatalf("ceil bound should use max, got %d", lock.ValueFen)
	}
}

func TestValidityBoundary(t *testing.T) {
	clk := newFakeClock()
	l := New(clk.Now, 10*time.Minute, BoundFloor)
	est := quote.Estimate(quote.Params{WordCount: 1000, VerifyLevel: domain.VerifyLevelBasic})
	lock := l.Acquire(est, nil)

	if !IsValid(lock, clk.Now()) {
		t.Fatalf("fresh lock should be valid")
	}
	clk.Advance(10*time.Minute - time.Millisecond)
	if !IsValid(lock, clk.Now()) {
		t.Fatalf("lock should be valid just before expiry")
	}
	clk.Advance(time.Millisecond)
	// now == expiresAt: already invalid
	if IsValid(lock, clk.Now()) {
		t.Fatalf("lock should be invalid exactly at expiry")
	}
}

func TestSpentLockInvalid(t *testing.T) {
	clk := newFakeClock()
	l := New(clk.Now, 10*time.Minute, BoundFloor)
	est := quote.Estimate(quote.Params{WordCount: 1000, VerifyLevel: domain.VerifyLevelBasic})
	lock := l.Acquire(est, nil)
	lock.Spent = true
	if IsValid(lock, clk.Now()) {
		t.Fatalf("spent lock must never be valid")
	}
	if IsValid(nil, clk.Now()) {
		t.Fatalf("nil lock must be invalid")
	}
}

func TestRemainingClampsToZero(t *testing.T) {
	clk := newFakeClock()
	l := New(clk.Now, time.Minute, BoundFloor)
	est := quote.Estimate(quote.Params{WordCount: 1000, VerifyLevel: domain.VerifyLevelBasic})
	lock := l.Acquire(est, nil)

	if got := Remaining(lock, clk.Now()); got != time.Minute {
		t.Fatalf("remaining = %v", got)
	}
	clk.Advance(2 * time.Minute)
	if got := Remaining(lock, clk.Now()); got != 0 {
		t.Fatalf("expired remaining should clamp to 0, got %v", got)
	}
}

func TestMatchesSelection(t *testing.T) {
	clk := newFakeClock()
	l := New(clk.Now, time.Minute, BoundFloor)
	est := quote.Estimate(quote.Params{WordCount: 1000, VerifyLevel: domain.VerifyLevelPro})
	lock := l.Acquire(est, []string{"dataCharts", "aigcReport"})

	if !MatchesSelection(lock, domain.VerifyLevelPro, []string{"aigcReport", "dataCharts"}) {
		t.Fatalf("order-insensitive match expected")
	}
	if MatchesSelection(lock, domain.VerifyLevelBasic, []string{"aigcReport", "dataCharts"}) {
		t.Fatalf("level change must break the match")
	}
	if MatchesSelection(lock, domain.VerifyLevelPro, []string{"aigcReport"}) {
		t.Fatalf("addon change must break the match")
	}
}

func TestNewDefaults(t *testing.T) {
	l := New(nil, 0, "sideways")
	if l.TTL() != 15*time.Minute {
		t.Fatalf("default ttl = %v", l.TTL())
	}
	if l.bound != BoundFloor {
		t.Fatalf("unknown bound should fall back to floor")
	}
}
