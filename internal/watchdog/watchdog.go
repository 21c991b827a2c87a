// Package watchdog provides a restartable one-shot timer used to escalate
// graceful shutdowns to forceful kills.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog fires its handler once after the configured timeout unless it is
// stopped or reset first.
type Watchdog struct {
	timeout time.Duration
	handler func()

	mu    sync.Mutex
	timer *time.Timer
}

// New creates and arms a watchdog.
func New(timeout time.Duration, handler func()) *Watchdog {
	w := &Watchdog{timeout: timeout, handler: handler}
	w.timer = time.AfterFunc(timeout, handler)
	return w
}

// Reset re-arms the watchdog for a full timeout period.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Stop()
	w.timer = time.AfterFunc(w.timeout, w.handler)
}

// Stop disarms the watchdog. It reports whether the handler had not yet
// fired.
func (w *Watchdog) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer.Stop()
}
