package control

import "sync"

// Mailbox is a single-slot, latest-value-wins handoff for motion requests.
// Producers never block and never queue: a request that was not yet consumed
// is replaced by the newer one, so the actuation pipeline always acts on the
// freshest intent.
type Mailbox struct {
	mu  sync.Mutex
	req MotionRequest
	has bool
}

// Put stores a request, replacing any unconsumed one.
func (m *Mailbox) Put(req MotionRequest) {
	m.mu.Lock()
	m.req = req
	m.has = true
	m.mu.Unlock()
}

// Take removes and returns the stored request, if any.
func (m *Mailbox) Take() (MotionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return MotionRequest{}, false
	}
	m.has = false
	return m.req, true
}

// Peek returns the stored request without consuming it.
func (m *Mailbox) Peek() (MotionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.req, m.has
}
