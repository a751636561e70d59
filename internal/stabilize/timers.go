package stabilize

import (
	"strings"
	"sync"
	"time"
)

// Timers is a one-shot timer registry keyed by token. Scheduling on an
// existing token replaces its timer; cancellation by token or prefix is the
// single path through which dispose/supersede tears down an attempt's timers,
// so stale callbacks can never resurrect.
//
// Tokens are "<attemptID>/<purpose>", which makes CancelPrefix(attemptID+"/")
// the one atomic per-attempt cleanup.
type Timers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimers creates an empty registry.
func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*time.Timer)}
}

// ScheduleOnce runs fn after delay, replacing any timer already registered
// under token. fn runs in its own goroutine; a timer that was cancelled or
// replaced while its callback raced the lock does nothing.
func (t *Timers) ScheduleOnce(token string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[token]; ok {
		old.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		t.mu.Lock()
		cur, ok := t.timers[token]
		if !ok || cur != tm {
			// Cancelled or replaced after firing but before we got the
			// lock; the registered owner wins.
			t.mu.Unlock()
			return
		}
		delete(t.timers, token)
		t.mu.Unlock()
		fn()
	})
	t.timers[token] = tm
}

// Cancel stops and removes the timer for token. Reports whether one existed.
func (t *Timers) Cancel(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.timers[token]
	if !ok {
		return false
	}
	tm.Stop()
	delete(t.timers, token)
	return true
}

// CancelPrefix stops and removes every timer whose token starts with prefix,
// in one critical section. Returns the number cancelled.
func (t *Timers) CancelPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for token, tm := range t.timers {
		if strings.HasPrefix(token, prefix) {
			tm.Stop()
			delete(t.timers, token)
			n++
		}
	}
	return n
}

// CancelAll stops and removes every timer. Returns the number cancelled.
func (t *Timers) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.timers)
	for token, tm := range t.timers {
		tm.Stop()
		delete(t.timers, token)
	}
	return n
}

// Len returns the number of pending timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
