package server

import (
	"sync"
	"time"
)

// killSwitch is the per-client watchdog described in spec.md §4.3 step 2
// and §9: a timer that, on expiry, forcibly shuts down the client's
// socket so any blocking I/O in its handler goroutine fails promptly.
// spec.md §9 explicitly prefers this watchdog-task form over the C
// original's SIGRTMIN+1 signal trick.
type killSwitch struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	onExpire func()
}

func newKillSwitch(timeout time.Duration, onExpire func()) *killSwitch {
	return &killSwitch{timeout: timeout, onExpire: onExpire}
}

// Arm starts (or restarts) the timer. Call once per request loop iteration
// before blocking on the socket.
func (k *killSwitch) Arm() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(k.timeout, k.onExpire)
}

// Disarm stops the timer. Call on every loop iteration exit, per spec.md §4.3.
func (k *killSwitch) Disarm() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}
