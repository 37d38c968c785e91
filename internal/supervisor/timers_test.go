package supervisor

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSetSchedule(t *testing.T) {
	ts := newTimerSet()
	fired := make(chan struct{})
	ts.Schedule("x", 10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerSetScheduleReplaces(t *testing.T) {
	ts := newTimerSet()
	var first, second atomic.Bool
	ts.Schedule("x", 20*time.Millisecond, func() { first.Store(true) })
	ts.Schedule("x", 20*time.Millisecond, func() { second.Store(true) })
	time.Sleep(100 * time.Millisecond)
	if first.Load() {
		t.Fatal("replaced timer still fired")
	}
	if !second.Load() {
		t.Fatal("replacement timer never fired")
	}
}

func TestTimerSetCancel(t *testing.T) {
	ts := newTimerSet()
	var fired atomic.Bool
	ts.Schedule("x", 20*time.Millisecond, func() { fired.Store(true) })
	ts.Cancel("x")
	ts.Cancel("missing")
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled timer fired")
	}
}

func TestTimerSetCancelAll(t *testing.T) {
	ts := newTimerSet()
	var count atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		ts.Schedule(name, 20*time.Millisecond, func() { count.Add(1) })
	}
	ts.CancelAll()
	time.Sleep(60 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("%d cancelled timers fired", got)
	}
}
