package auth

import (
	"context"
	"sync"
	"time"
)

const mfaLimiterPrefix = "mfa-verify:"

// LimiterPolicy bounds consecutive failed attempts per key.
type LimiterPolicy struct {
	MaxAttempts int
	// Window is measured from the most recent charged attempt. Attempts
	// rejected while locked never extend it.
	Window time.Duration
}

// DefaultLimiterPolicy locks a key after 5 failures for 15 minutes.
var DefaultLimiterPolicy = LimiterPolicy{MaxAttempts: 5, Window: 15 * time.Minute}

func (p LimiterPolicy) normalized() LimiterPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultLimiterPolicy.MaxAttempts
	}
	if p.Window <= 0 {
		p.Window = DefaultLimiterPolicy.Window
	}
	return p
}

// AttemptLimiter tracks failed attempts per key (email, or "mfa-verify:"+userID).
//
// Attempt charges the key before credentials are verified, so concurrent
// guesses cannot all pass a separate check. A charge that did not end in a
// failure is handed back with Release; Reset clears the key after success.
type AttemptLimiter interface {
	// Attempt returns ErrAccountLocked once charged attempts reach
	// MaxAttempts. Otherwise it charges one attempt and returns nil.
	Attempt(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// MFALimiterKey is the limiter key for TOTP verification of userID.
func MFALimiterKey(userID string) string { return mfaLimiterPrefix + userID }

type attemptEntry struct {
	charged    int
	lastCharge time.Time
}

// MemoryLimiter keeps attempt state in process. Expired entries are swept
// opportunistically so memory stays bounded by the active key set.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  LimiterPolicy
	now     func() time.Time
	entries map[string]*attemptEntry
	writes  int
}

const sweepEvery = 256

// NewMemoryLimiter returns an in-process limiter.
func NewMemoryLimiter(policy LimiterPolicy, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		policy:  policy.normalized(),
		now:     now,
		entries: make(map[string]*attemptEntry),
	}
}

func (l *MemoryLimiter) Attempt(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok || l.expired(e, now) {
		e = &attemptEntry{}
		l.entries[key] = e
	}
	if e.charged >= l.policy.MaxAttempts {
		return ErrAccountLocked
	}
	e.charged++
	e.lastCharge = now

	l.writes++
	if l.writes%sweepEvery == 0 {
		for k, v := range l.entries {
			if l.expired(v, now) {
				delete(l.entries, k)
			}
		}
	}
	return nil
}

func (l *MemoryLimiter) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return nil
	}
	if e.charged--; e.charged <= 0 || l.expired(e, l.now()) {
		delete(l.entries, key)
	}
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// Len reports how many keys are tracked.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLimiter) expired(e *attemptEntry, now time.Time) bool {
	return !now.Before(e.lastCharge.Add(l.policy.Window))
}
