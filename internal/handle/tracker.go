// Package handle tracks every ephemeral binary blob created during document
// processing and guarantees its release exactly once. The tracker is the
// single ownership authority for handles: other components create and read
// blobs through it but never free memory they did not allocate.
package handle

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/knakayama/ledgerscan/internal/domain"
)

// Handle is an opaque reference to binary data owned by a Tracker.
type Handle string

// Tracker is a session-scoped registry of blob handles. Safe for concurrent
// use by in-flight pipeline tasks.
type Tracker struct {
	mu    sync.Mutex
	blobs map[Handle][]byte
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		blobs: make(map[Handle][]byte),
	}
}

// Create allocates a new handle for data and records it in the registry.
func (t *Tracker) Create(data []byte) (Handle, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty blob", domain.ErrResource)
	}

	h := Handle("blob:" + uuid.NewString())

	t.mu.Lock()
	t.blobs[h] = data
	t.mu.Unlock()

	return h, nil
}

// Bytes returns the data behind a handle, or false if the handle was never
// created or has been released.
func (t *Tracker) Bytes(h Handle) ([]byte, bool) {
	t.mu.Lock()
	data, ok := t.blobs[h]
	t.mu.Unlock()
	return data, ok
}

// Release invalidates one handle. Releasing an already-released or unknown
// handle is a no-op.
func (t *Tracker) Release(h Handle) {
	t.mu.Lock()
	delete(t.blobs, h)
	t.mu.Unlock()
}

// ReleaseAll invalidates every handle currently tracked. Called on session
// teardown and on "clear all data".
func (t *Tracker) ReleaseAll() {
	t.mu.Lock()
	t.blobs = make(map[Handle][]byte)
	t.mu.Unlock()
}

// TrackedCount returns the number of live handles.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	n := len(t.blobs)
	t.mu.Unlock()
	return n
}
