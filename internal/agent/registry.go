package agent

import "sync"

// activeRun is the in-memory record of one in-flight agent turn.
type activeRun struct {
	sessionID   string
	containerID string
	execID      string
	pid         int
}

// registry tracks in-flight turns within this process. Acquisition is the
// first line of defense against double-starts; the persistent row covers
// turns started by a previous process.
type registry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*activeRun)}
}

// acquire registers a run for the session. It fails when one is already
// active.
func (r *registry) acquire(run *activeRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.sessionID]; exists {
		return false
	}
	r.runs[run.sessionID] = run
	return true
}

func (r *registry) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, sessionID)
}

func (r *registry) get(sessionID string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[sessionID]
	return run, ok
}

func (r *registry) isActive(sessionID string) bool {
	_, ok := r.get(sessionID)
	return ok
}

func (r *registry) setPID(sessionID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[sessionID]; ok {
		run.pid = pid
	}
}
