// Package containertest provides an in-memory container.Engine for tests.
package containertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dockhand/dockhand/internal/container"
)

// FakeEngine implements container.Engine against plain in-memory maps the
// test mutates directly. All methods are safe for concurrent use.
type FakeEngine struct {
	mu sync.Mutex

	states   map[string]*container.State
	files    map[string]string
	statuses map[string]container.ExecStatus
	pids     map[string]int
	volumes  map[string]bool
	logText  string

	execCmds  [][]string
	signals   []string
	created   []container.ContainerSpec
	removed   []string
	listing   []container.SessionContainer
	copies    []string
	execSeq   int
	ensureErr error
}

// New creates an empty FakeEngine.
func New() *FakeEngine {
	return &FakeEngine{
		states:   make(map[string]*container.State),
		files:    make(map[string]string),
		statuses: make(map[string]container.ExecStatus),
		pids:     make(map[string]int),
		volumes:  make(map[string]bool),
	}
}

// SetState sets the inspect result for a container id.
func (e *FakeEngine) SetState(containerID string, s *container.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[containerID] = s
}

// SetFile sets the content of a file visible to ReadFile/TailFile.
func (e *FakeEngine) SetFile(path, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
}

// SetExecStatus overrides the tracked status of one exec.
func (e *FakeEngine) SetExecStatus(execID string, s container.ExecStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[execID] = s
}

// SetPID sets what FindProcess reports for a container.
func (e *FakeEngine) SetPID(containerID string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pids[containerID] = pid
}

// SetLogs sets what Logs returns.
func (e *FakeEngine) SetLogs(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logText = text
}

// SetEnsureError makes EnsureContainer fail.
func (e *FakeEngine) SetEnsureError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureErr = err
}

// FinishExecs flips every tracked exec to finished with the given code.
func (e *FakeEngine) FinishExecs(exitCode int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.statuses {
		e.statuses[id] = container.ExecStatus{Known: true, Running: false, ExitCode: exitCode}
	}
}

// SentSignals returns every signal delivered so far, formatted as
// "pid:<pid>:<sig>" or "pattern:<pattern>:<sig>".
func (e *FakeEngine) SentSignals() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.signals...)
}

// LastExecCmd returns the most recently launched exec command, nil when
// none ran yet.
func (e *FakeEngine) LastExecCmd() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.execCmds) == 0 {
		return nil
	}
	return e.execCmds[len(e.execCmds)-1]
}

// CreatedSpecs returns every spec passed to EnsureContainer.
func (e *FakeEngine) CreatedSpecs() []container.ContainerSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]container.ContainerSpec(nil), e.created...)
}

// RemovedContainers returns the ids passed to RemoveContainer.
func (e *FakeEngine) RemovedContainers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.removed...)
}

// HasVolume reports whether CreateVolume saw the name without a later
// RemoveVolume.
func (e *FakeEngine) HasVolume(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volumes[name]
}

func (e *FakeEngine) EnsureContainer(ctx context.Context, spec container.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ensureErr != nil {
		return "", e.ensureErr
	}
	e.created = append(e.created, spec)
	// The container id is the name; tests address state by it.
	if _, ok := e.states[spec.Name]; !ok {
		e.states[spec.Name] = &container.State{Status: container.StatusRunning}
	}
	return spec.Name, nil
}

func (e *FakeEngine) StartContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[containerID] = &container.State{Status: container.StatusRunning}
	return nil
}

func (e *FakeEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[containerID] = &container.State{Status: container.StatusStopped}
	return nil
}

func (e *FakeEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, containerID)
	delete(e.states, containerID)
	return nil
}

func (e *FakeEngine) InspectState(ctx context.Context, containerID string) (*container.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[containerID]; ok {
		return s, nil
	}
	return &container.State{Status: container.StatusNotFound}, nil
}

func (e *FakeEngine) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logText, nil
}

// SetSessionContainers sets what ListSessionContainers reports.
func (e *FakeEngine) SetSessionContainers(list []container.SessionContainer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listing = append([]container.SessionContainer(nil), list...)
}

func (e *FakeEngine) ListSessionContainers(ctx context.Context) ([]container.SessionContainer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]container.SessionContainer(nil), e.listing...), nil
}

func (e *FakeEngine) CreateVolume(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volumes[name] = true
	return nil
}

func (e *FakeEngine) RemoveVolume(ctx context.Context, name string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.volumes, name)
	return nil
}

func (e *FakeEngine) VolumeExists(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volumes[name], nil
}

func (e *FakeEngine) newStream(output string) *container.ExecStream {
	e.execSeq++
	return &container.ExecStream{
		ExecID: fmt.Sprintf("exec-%d", e.execSeq),
		Output: io.NopCloser(strings.NewReader(output)),
	}
}

func (e *FakeEngine) Exec(ctx context.Context, containerID string, cmd []string) (*container.ExecStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execCmds = append(e.execCmds, cmd)
	stream := e.newStream("")
	// Worker execs finish immediately and successfully.
	e.statuses[stream.ExecID] = container.ExecStatus{Known: true, Running: false}
	return stream, nil
}

func (e *FakeEngine) ExecToFile(ctx context.Context, containerID string, cmd []string, outputFile string) (*container.ExecStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execCmds = append(e.execCmds, cmd)
	if _, ok := e.files[outputFile]; !ok {
		e.files[outputFile] = ""
	}
	stream := e.newStream("")
	// Launched agents keep running until the test finishes them.
	e.statuses[stream.ExecID] = container.ExecStatus{Known: true, Running: true}
	return stream, nil
}

func (e *FakeEngine) TailFile(ctx context.Context, containerID, path string, startLine int) (*container.ExecStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content := e.files[path]
	lines := strings.Split(content, "\n")
	if startLine < len(lines) {
		content = strings.Join(lines[startLine:], "\n")
	} else {
		content = ""
	}
	return e.newStream(content), nil
}

func (e *FakeEngine) ReadFile(ctx context.Context, containerID, path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (e *FakeEngine) FileExists(ctx context.Context, containerID, path string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok, nil
}

// Copies returns every CopyToContainer call as "<container>:<src>:<dst>".
func (e *FakeEngine) Copies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.copies...)
}

func (e *FakeEngine) CopyToContainer(ctx context.Context, containerID, srcPath, dstPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.copies = append(e.copies, containerID+":"+srcPath+":"+dstPath)
	return nil
}

func (e *FakeEngine) FindProcess(ctx context.Context, containerID, pattern string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pids[containerID], nil
}

func (e *FakeEngine) SignalProcess(ctx context.Context, containerID string, pid int, signal string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, fmt.Sprintf("pid:%d:%s", pid, signal))
	return nil
}

func (e *FakeEngine) SignalProcessesByPattern(ctx context.Context, containerID, pattern, signal string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, fmt.Sprintf("pattern:%s:%s", pattern, signal))
	return nil
}

func (e *FakeEngine) ExecStatus(execID string) container.ExecStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses[execID]
}

func (e *FakeEngine) PullImage(ctx context.Context, image string) error { return nil }

func (e *FakeEngine) Close() error { return nil }
