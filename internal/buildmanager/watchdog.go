package buildmanager

import (
	"sync"
	"time"
)

type watchdogState int

const (
	watchdogIdle watchdogState = iota
	watchdogArmed
	watchdogFired
	watchdogDisarmed
)

// Watchdog is a one-shot deadline. When armed it calls onExpire once the
// deadline passes, unless it is disarmed first. A Watchdog is single use.
type Watchdog struct {
	state watchdogState
	timer *time.Timer

	mu sync.Mutex
}

// Arm starts the deadline. It returns ErrWatchdogArmed if the Watchdog has
// already been armed.
func (w *Watchdog) Arm(d time.Duration, onExpire func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != watchdogIdle {
		return ErrWatchdogArmed
	}

	w.state = watchdogArmed
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		if w.state != watchdogArmed {
			// Disarmed while the timer was pending.
			w.mu.Unlock()
			return
		}
		w.state = watchdogFired
		w.mu.Unlock()

		onExpire()
	})

	return nil
}

// Disarm cancels the deadline and reports whether it had already fired. After
// Disarm returns, onExpire is guaranteed not to start. Calling Disarm more
// than once, or on a Watchdog that was never armed, is safe.
func (w *Watchdog) Disarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case watchdogArmed:
		w.timer.Stop()
		w.state = watchdogDisarmed
	case watchdogIdle:
		w.state = watchdogDisarmed
	}

	return w.state == watchdogFired
}

// Fired reports whether the deadline passed before the Watchdog was
// disarmed.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state == watchdogFired
}
