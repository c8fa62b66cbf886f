package safety

import (
	"sync"
	"time"
)

type loopHealth struct {
	interval time.Duration
	lastBeat time.Time
	expired  bool
}

// Watchdog tracks liveness of the control-relevant loops. Every registered
// loop must call Heartbeat at least once per its interval; silence is
// treated as that loop having failed, never as "no motion requested".
type Watchdog struct {
	mu    sync.Mutex
	loops map[string]*loopHealth
}

// NewWatchdog creates an empty watchdog registry.
func NewWatchdog() *Watchdog {
	return &Watchdog{loops: make(map[string]*loopHealth)}
}

// Register adds a loop to the registry. The interval clock starts on the
// loop's first heartbeat, so time spent in process startup before the loop
// goroutine runs does not count against it.
func (w *Watchdog) Register(loop string, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loops[loop] = &loopHealth{interval: interval}
}

// Heartbeat records liveness for the named loop. Unregistered loops are
// ignored. A heartbeat from a previously expired loop rearms its timer but
// does not clear the interlock; that requires operator acknowledgement.
func (w *Watchdog) Heartbeat(loop string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.loops[loop]; ok {
		h.lastBeat = time.Now()
		h.expired = false
	}
}

// Expired returns the loops whose heartbeat interval has elapsed as of now.
// Each expiry is reported once until the loop heartbeats again.
func (w *Watchdog) Expired(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var expired []string
	for name, h := range w.loops {
		if h.expired || h.lastBeat.IsZero() {
			continue
		}
		if now.Sub(h.lastBeat) > h.interval {
			h.expired = true
			expired = append(expired, name)
		}
	}
	return expired
}
