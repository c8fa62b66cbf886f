package hardware

import (
	"errors"
	"fmt"
	"sync"
)

// ErrResourceBusy is returned when a shared resource is held by another
// owner. Callers must treat this as "sensor unavailable" and must not retry
// by opening the bus directly.
var ErrResourceBusy = errors.New("resource held by another owner")

// ErrHandleRevoked is returned by Release when the handle was already
// revoked by the arbiter.
var ErrHandleRevoked = errors.New("handle revoked")

// Arbiter brokers exclusive access to shared single-owner resources such as
// I2C/serial buses and the camera. The control core never opens these
// directly; it acquires a scoped handle and releases it when done.
type Arbiter struct {
	mu     sync.Mutex
	owners map[string]*Handle
}

// NewArbiter creates an arbiter with no resources held.
func NewArbiter() *Arbiter {
	return &Arbiter{owners: make(map[string]*Handle)}
}

// Acquire grants exclusive access to the named resource on behalf of owner.
// Returns ErrResourceBusy if another owner currently holds it.
func (a *Arbiter) Acquire(resource, owner string) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h, ok := a.owners[resource]; ok {
		return nil, fmt.Errorf("acquiring %s for %s (held by %s): %w", resource, owner, h.owner, ErrResourceBusy)
	}

	h := &Handle{arbiter: a, resource: resource, owner: owner}
	a.owners[resource] = h
	return h, nil
}

// Revoke forcibly reclaims the named resource. The previous holder's handle
// becomes invalid; its Release will report ErrHandleRevoked.
func (a *Arbiter) Revoke(resource string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h, ok := a.owners[resource]; ok {
		h.revoked = true
		delete(a.owners, resource)
	}
}

// Holder returns the current owner of the named resource, if any.
func (a *Arbiter) Holder(resource string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.owners[resource]
	if !ok {
		return "", false
	}
	return h.owner, true
}

// Handle is a scoped, revocable grant of exclusive access to one resource.
type Handle struct {
	arbiter  *Arbiter
	resource string
	owner    string
	revoked  bool
	released bool
}

// Resource returns the name of the held resource.
func (h *Handle) Resource() string {
	return h.resource
}

// Release returns the resource to the arbiter. Safe to call once; a revoked
// handle reports ErrHandleRevoked.
func (h *Handle) Release() error {
	h.arbiter.mu.Lock()
	defer h.arbiter.mu.Unlock()

	if h.revoked {
		return ErrHandleRevoked
	}
	if h.released {
		return nil
	}

	h.released = true
	if cur, ok := h.arbiter.owners[h.resource]; ok && cur == h {
		delete(h.arbiter.owners, h.resource)
	}
	return nil
}
