package supervisor

import (
	"sync"

	"github.com/zapgate/zapgate/internal/wa"
)

// Holder is the process-wide slot for the current session handle: one writer
// (the supervisor), many readers (request handlers). Each published session
// is tagged with the attempt number that produced it so a late close event
// from a superseded attempt cannot clear a newer, healthy session.
type Holder struct {
	mu      sync.RWMutex
	attempt uint64
	session wa.Session
}

func NewHolder() *Holder {
	return &Holder{}
}

// Publish makes the session from the given attempt the current one.
func (h *Holder) Publish(attempt uint64, session wa.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempt = attempt
	h.session = session
}

// Clear drops the current session only if it was published by the given
// attempt. Returns whether a session was actually cleared; a false return
// means the close was stale and has been ignored.
func (h *Holder) Clear(attempt uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil || h.attempt != attempt {
		return false
	}
	h.session = nil
	return true
}

// Current returns the current session handle, or false when none is
// published. Never blocks beyond the read lock.
func (h *Holder) Current() (wa.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session == nil {
		return nil, false
	}
	return h.session, true
}
