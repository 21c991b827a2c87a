package watchdog

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFiresAfterTimeout(t *testing.T) {
	var fired atomic.Bool
	w := New(20*time.Millisecond, func() { fired.Store(true) })
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	if !fired.Load() {
		t.Error("expected watchdog to fire")
	}
}

func TestStopPreventsFiring(t *testing.T) {
	var fired atomic.Bool
	w := New(50*time.Millisecond, func() { fired.Store(true) })

	if !w.Stop() {
		t.Error("expected Stop to report the timer as pending")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Error("watchdog fired after Stop")
	}
}

func TestResetDefersFiring(t *testing.T) {
	var fired atomic.Bool
	w := New(60*time.Millisecond, func() { fired.Store(true) })
	defer w.Stop()

	time.Sleep(40 * time.Millisecond)
	w.Reset()
	time.Sleep(40 * time.Millisecond)
	if fired.Load() {
		t.Fatal("watchdog fired before the reset deadline")
	}
	time.Sleep(60 * time.Millisecond)
	if !fired.Load() {
		t.Error("expected watchdog to fire after the reset deadline")
	}
}
