// Package pricelock issues time-boxed, currency-exact price locks derived from
// an estimate plus the addon total at acquisition time. Expiry is a passive
// read against the injected clock; nothing here runs timers.
package pricelock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"autopen/domain"
	"autopen/quote"
)

type Clock func() time.Time

// Bound selects which end of the estimate range backs the locked price.
// The product default is the lower bound so the quoted ceiling is never
// exceeded; this is policy, not an invariant.
type Bound string

const (
	BoundFloor Bound = "floor"
	BoundCeil  Bound = "ceil"
)

type Locker struct {
	now   Clock
	ttl   time.Duration
	bound Bound
}

func New(now Clock, ttl time.Duration, bound Bound) *Locker {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if bound != BoundCeil {
		bound = BoundFloor
	}
	return &Locker{now: now, ttl: ttl, bound: bound}
}

// NewFromEnv reads PRICE_LOCK_TTL_SECONDS (default 900) and PRICE_LOCK_BOUND
// (floor|ceil, default floor).
func NewFromEnv(now Clock) *Locker {
	return New(now, readEnvDurationSecondsDefault("PRICE_LOCK_TTL_SECONDS", 15*time.Minute),
		Bound(strings.ToLower(strings.TrimSpace(os.Getenv("PRICE_LOCK_BOUND")))))
}

func (l *Locker) TTL() time.Duration { return l.ttl }

// Acquire issues a lock for the estimate plus the addon total right now.
// The caller (checkout controller) discards any previously held lock.
func (l *Locker) Acquire(est domain.Estimate, addons []string) *domain.PriceLock {
	value := est.PriceMinFen
	if l.bound == BoundCeil {
		value = est.PriceMaxFen
	}
	value += quote.Total(addons)

	issued := l.now()
	cp := make([]string, len(addons))
	copy(cp, addons)
	return &domain.PriceLock{
		ID:          newLockID(),
		ValueFen:    value,
		Currency:    "CNY",
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(l.ttl),
		VerifyLevel: est.VerifyLevel,
		Addons:      cp,
	}
}

// IsValid: a lock is valid iff now < expiresAt and it hasn't been spent.
// expiresAt == now is already invalid.
func IsValid(lock *domain.PriceLock, now time.Time) bool {
	if lock == nil || lock.Spent {
		return false
	}
	return now.Before(lock.ExpiresAt)
}

// Remaining clamps to zero when expired. Presentation countdown only; control
// flow goes through IsValid.
func Remaining(lock *domain.PriceLock, now time.Time) time.Duration {
	if lock == nil {
		return 0
	}
	d := lock.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// MatchesSelection reports whether the lock still reflects the current
// verify level and addon selection. A mismatch means the price no longer
// matches and the lock must be re-acquired before payment.
func MatchesSelection(lock *domain.PriceLock, level domain.VerifyLevel, addons []string) bool {
	if lock == nil {
		return false
	}
	return lock.VerifyLevel == level && quote.SameSelection(lock.Addons, addons)
}

func newLockID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "lock_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("lock_%d", time.Now().UnixNano())
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
