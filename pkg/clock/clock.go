// Package clock measures pulse widths for the receiver.
package clock

import (
	"sync"
	"time"
)

// Timer is a restartable measurement window. It measures with the timestamps
// of the line events once Stamp has been called, otherwise with the system
// clock.
type Timer struct {
	mu      sync.Mutex
	window  time.Duration
	start   time.Time
	timer   *time.Timer
	expired func()
	running bool

	stamped    bool
	now        time.Duration
	stampStart time.Duration
}

// New returns a stopped timer.
func New() *Timer {
	return &Timer{}
}

// Start starts the measurement. expired is called every time the window
// passes without a Reset.
func (t *Timer) Start(expired func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expired = expired
	t.running = true
	t.start = time.Now()
	t.stampStart = t.now

	if t.timer == nil {
		t.timer = time.AfterFunc(t.window, t.fire)
		return
	}
	t.timer.Reset(t.window)
}

// Stop stops the measurement.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Reset restarts the measurement and the window.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.start = time.Now()
	t.stampStart = t.now

	if t.running {
		t.timer.Reset(t.window)
	}
}

// Elapsed returns the time since the last Reset.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stamped {
		return t.now - t.stampStart
	}
	return time.Since(t.start)
}

// Arm sets the window. It applies from the next Reset, or after the running
// window expired.
func (t *Timer) Arm(window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = window
}

// Stamp sets the time of the event being processed.
func (t *Timer) Stamp(ts time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.now = ts
	t.stamped = true
}

func (t *Timer) fire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}

	expired := t.expired
	t.mu.Unlock()

	expired()

	// the handler may have armed a new window
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.timer.Reset(t.window)
	}
}
