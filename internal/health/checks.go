package health

import (
	"fmt"
	"sync"
	"time"
)

// BackendsCheck reports degraded while count returns zero: every lookup
// would fail with no match.
func BackendsCheck(count func() int) CheckFunc {
	return func() Check {
		n := count()
		if n == 0 {
			return Check{Status: StatusDegraded, Message: "no backends registered"}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d backends registered", n)}
	}
}

// ReloadTracker remembers the outcome of the most recent configuration
// reload.
type ReloadTracker struct {
	mu      sync.RWMutex
	lastErr error
	lastAt  time.Time
}

// NewReloadTracker creates a tracker with no reload recorded.
func NewReloadTracker() *ReloadTracker {
	return &ReloadTracker{}
}

// Record stores the outcome of a reload attempt.
func (t *ReloadTracker) Record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
	t.lastAt = time.Now()
}

// Check reports degraded after a rejected reload, since the running
// backends no longer reflect the file on disk.
func (t *ReloadTracker) Check() Check {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case t.lastAt.IsZero():
		return Check{Status: StatusHealthy, Message: "initial configuration"}
	case t.lastErr != nil:
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("last reload at %s rejected: %v", t.lastAt.Format(time.RFC3339), t.lastErr),
		}
	default:
		return Check{
			Status:  StatusHealthy,
			Message: "last reload at " + t.lastAt.Format(time.RFC3339),
		}
	}
}
