package container

import "sync"

// ExecStatus is the tracked state of one exec. Known is false when the
// exec id was issued by a previous service process (or never existed);
// recovery then falls back to pattern-based process discovery.
type ExecStatus struct {
	Known    bool
	Running  bool
	ExitCode int
}

// ExecTracker records the lifetime of execs launched by this process.
// It is deliberately not persisted: after a restart the map is empty and
// ExecStatus reports every old id as unknown.
type ExecTracker struct {
	mu    sync.RWMutex
	execs map[string]*execEntry
}

type execEntry struct {
	running  bool
	exitCode int
}

// NewExecTracker creates an empty tracker.
func NewExecTracker() *ExecTracker {
	return &ExecTracker{execs: make(map[string]*execEntry)}
}

// Register records a newly started exec as running.
func (t *ExecTracker) Register(execID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execs[execID] = &execEntry{running: true}
}

// Finish records that an exec exited with the given code.
func (t *ExecTracker) Finish(execID string, exitCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.execs[execID]; ok {
		e.running = false
		e.exitCode = exitCode
	}
}

// Status reports the tracked state of an exec id.
func (t *ExecTracker) Status(execID string) ExecStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.execs[execID]
	if !ok {
		return ExecStatus{}
	}
	return ExecStatus{Known: true, Running: e.running, ExitCode: e.exitCode}
}

// Forget drops a finished exec from the map. Callers invoke it once the
// exit code has been consumed so the map does not grow unbounded.
func (t *ExecTracker) Forget(execID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.execs, execID)
}
