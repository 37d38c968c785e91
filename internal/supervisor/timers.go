package supervisor

import (
	"sync"
	"time"
)

// timerSet owns every pending timer of one supervision session under a
// single lock, so teardown is one CancelAll call instead of a field per
// timer. Scheduling a name that is already pending replaces it.
type timerSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after d, replacing any pending timer with the
// same name. fn runs on the timer goroutine.
func (t *timerSet) Schedule(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[name]; ok {
		existing.Stop()
	}
	t.timers[name] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, name)
		t.mu.Unlock()
		fn()
	})
}

// Cancel stops one pending timer. Cancelling a name that is not pending is
// a no-op.
func (t *timerSet) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[name]; ok {
		existing.Stop()
		delete(t.timers, name)
	}
}

// CancelAll stops every pending timer.
func (t *timerSet) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, timer := range t.timers {
		timer.Stop()
		delete(t.timers, name)
	}
}
