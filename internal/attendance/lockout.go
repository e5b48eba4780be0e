package attendance

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const lockoutCapacity = 1 << 16

type lockoutKey struct {
	session    string
	subject    string
	generation uint64
}

// Lockout counts consecutive invalid codes per subject and credential.
// A nil *Lockout never locks anyone out.
type Lockout struct {
	mu     sync.Mutex
	max    int
	counts *expirable.LRU[lockoutKey, int]
}

// NewLockout returns nil when max is not positive.
func NewLockout(max int, window time.Duration) *Lockout {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Lockout{
		max:    max,
		counts: expirable.NewLRU[lockoutKey, int](lockoutCapacity, nil, window),
	}
}

// Locked reports whether the key exhausted its attempts.
func (l *Lockout) Locked(k lockoutKey) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _ := l.counts.Get(k)
	return n >= l.max
}

// Reserve claims one attempt for k. It returns false once max attempts are
// spent or still in flight, so a burst of concurrent guesses cannot exceed
// max. A reserved attempt that turns out not to be an invalid guess must be
// handed back with Release.
func (l *Lockout) Reserve(k lockoutKey) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _ := l.counts.Get(k)
	if n >= l.max {
		return false
	}
	l.counts.Add(k, n+1)
	return true
}

// Release returns an attempt taken by Reserve.
func (l *Lockout) Release(k lockoutKey) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.counts.Get(k)
	switch {
	case !ok:
	case n <= 1:
		l.counts.Remove(k)
	default:
		l.counts.Add(k, n-1)
	}
}

// Reset clears the counter after a successful redemption.
func (l *Lockout) Reset(k lockoutKey) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.counts.Remove(k)
	l.mu.Unlock()
}
