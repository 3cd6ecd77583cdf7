// Package process owns one external capture process: it starts it, streams
// its stdout in fixed-size chunks and reports its exit exactly once.
package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/e2openplugins/webgrab/internal/logging"
)

// DefaultChunkSize is the stdout read size used when none is configured.
const DefaultChunkSize = 32 * 1024

// outputBacklog bounds the number of unread chunks held per process.
const outputBacklog = 16

const stderrTail = 4096

var (
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("process already started")
)

// State is the lifecycle of a Handle. Transitions only move forward.
type State int

const (
	NotStarted State = iota
	Running
	Exited
	Killed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Exited || s == Killed
}

// Handle is a single-owner wrapper around an external process.
//
// Output chunks are delivered on Output in arrival order. Output is closed
// once stdout reaches EOF, and only then is Done closed, so a consumer that
// drains Output before waiting on Done sees every chunk before the exit.
type Handle struct {
	path      string
	args      []string
	chunkSize int

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	exitCode int
	stderr   tailBuffer

	output   chan []byte
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	// called between exit detection and reaping, tests only
	beforeReap func()
}

// Option customises a Handle.
type Option func(*Handle)

// WithChunkSize sets the maximum size of a single stdout chunk.
func WithChunkSize(n int) Option {
	return func(h *Handle) {
		if n > 0 {
			h.chunkSize = n
		}
	}
}

// New prepares a handle for path with the given arguments. Nothing runs until Start.
func New(path string, args []string, opts ...Option) *Handle {
	h := &Handle{
		path:      path,
		args:      append([]string(nil), args...),
		chunkSize: DefaultChunkSize,
		exitCode:  -1,
		stderr:    tailBuffer{limit: stderrTail},
		output:    make(chan []byte, outputBacklog),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start spawns the process. A failed spawn leaves the handle terminal with
// Output and Done already closed.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != NotStarted {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(h.path, h.args...)
	configureSysProc(cmd)
	cmd.Stderr = &h.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.failLocked()
		return fmt.Errorf("failed to create stdout pipe for %s: %w", h.path, err)
	}

	logging.Trace("Executing command: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		h.failLocked()
		return fmt.Errorf("failed to start %s: %w", h.path, err)
	}

	if err := attachProcess(cmd); err != nil {
		logging.WarningLogger.Printf("%s (pid %d) will not die with the daemon: %v", h.path, cmd.Process.Pid, err)
	}

	h.cmd = cmd
	h.state = Running
	go h.pump(stdout)
	return nil
}

func (h *Handle) failLocked() {
	h.state = Exited
	close(h.output)
	close(h.done)
}

func (h *Handle) pump(stdout io.Reader) {
	buf := make([]byte, h.chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.output <- chunk:
			case <-h.stop:
				// killed: nobody is listening any more, keep draining to EOF
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.Trace("Reading output of %s: %v", h.path, err)
			}
			break
		}
	}
	close(h.output)

	// Once the child is reaped its pid and process group can be reused, so
	// Kill has to be disarmed while the unreaped child still pins them.
	if waitExit(h.cmd.Process) {
		h.mu.Lock()
		if h.state == Running {
			h.state = Exited
		}
		h.mu.Unlock()
	}
	if h.beforeReap != nil {
		h.beforeReap()
	}

	waitErr := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		logging.Trace("%s exited: %v", h.path, waitErr)
	}

	h.mu.Lock()
	h.exitCode = code
	if h.state == Running {
		h.state = Exited
	}
	h.mu.Unlock()

	close(h.done)
}

// Kill terminates the whole process group. It is a no-op unless the process
// is running and does not wait for Done.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Running {
		return
	}
	h.state = Killed
	h.stopOnce.Do(func() { close(h.stop) })

	if err := killProcess(h.cmd.Process); err != nil {
		logging.Trace("Kill %s (pid %d): %v", h.path, h.cmd.Process.Pid, err)
	}
}

// Output delivers stdout chunks. It is closed at EOF.
func (h *Handle) Output() <-chan []byte {
	return h.output
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is valid after Done is closed; -1 means killed by a signal or never started.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Pid returns the process id, or 0 before a successful Start.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stderr returns the tail of what the process wrote to stderr.
func (h *Handle) Stderr() string {
	return h.stderr.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
