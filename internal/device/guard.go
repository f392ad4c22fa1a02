package device

import "sync/atomic"

// AssignmentGuard is the exclusive-access flag set by the video-assignment
// collaborator for the duration of an assignment write. The scheduler
// treats a set guard as a hard veto: injection requests arriving while the
// guard is held are dropped, never queued. Whoever releases the guard is
// responsible for triggering a fresh injection afterward.
type AssignmentGuard struct {
	busy atomic.Bool
}

// NewAssignmentGuard returns a released guard.
func NewAssignmentGuard() *AssignmentGuard {
	return &AssignmentGuard{}
}

// Acquire marks an assignment write in progress. Returns false if the
// guard is already held.
func (g *AssignmentGuard) Acquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release clears the flag. Idempotent.
func (g *AssignmentGuard) Release() {
	g.busy.Store(false)
}

// Held reports whether an assignment write is in progress.
func (g *AssignmentGuard) Held() bool {
	return g.busy.Load()
}
