package sessions

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrRunAlreadyActive is returned by BeginRun when the session already has
// an active run. The caller gets no handle and must not start a second run.
var ErrRunAlreadyActive = errors.New("session already has an active run")

// RunHandle marks one active run on a session. End releases the slot;
// calling End more than once is safe.
type RunHandle struct {
	SessionID string
	RunID     string

	registry *RunRegistry
	once     sync.Once
}

// End releases the session's run slot. The handle is dead afterwards.
func (h *RunHandle) End() {
	if h == nil || h.registry == nil {
		return
	}
	h.once.Do(func() {
		h.registry.mu.Lock()
		defer h.registry.mu.Unlock()
		if h.registry.active[h.SessionID] == h.RunID {
			delete(h.registry.active, h.SessionID)
		}
	})
}

// RunRegistry enforces the at-most-one-active-run-per-session invariant.
// It tracks run ids only; message history and checkpoints live in the
// session store.
type RunRegistry struct {
	mu     sync.Mutex
	active map[string]string
}

// NewRunRegistry creates an empty run registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{active: make(map[string]string)}
}

// BeginRun claims the session's run slot and returns a handle carrying a
// fresh run id. If a run is already active it returns ErrRunAlreadyActive
// with no side effects.
func (r *RunRegistry) BeginRun(sessionID string) (*RunHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionID]; busy {
		return nil, ErrRunAlreadyActive
	}
	runID := uuid.NewString()
	r.active[sessionID] = runID
	return &RunHandle{SessionID: sessionID, RunID: runID, registry: r}, nil
}

// IsActive reports whether the session currently has an active run.
func (r *RunRegistry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// ActiveCount returns how many sessions currently have an active run.
func (r *RunRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
