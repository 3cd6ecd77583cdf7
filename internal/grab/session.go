package grab

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/e2openplugins/webgrab/internal/logging"
)

// State is the lifecycle of a capture session.
type State int

const (
	StateSpawning State = iota
	StateStreaming
	StateAwaitingExit
	StateFinalizing
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateStreaming:
		return "streaming"
	case StateAwaitingExit:
		return "awaiting_exit"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session is finished for good.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Process is the part of an external process a session drives.
// *process.Handle implements it.
type Process interface {
	Start() error
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
	Kill()
}

type stderrReporter interface {
	Stderr() string
}

// Session is one capture from spawn to response. It exclusively owns its
// process and its sink. All state changes happen under mu and the first
// caller to reach a terminal state wins; everyone else becomes a no-op.
type Session struct {
	id        string
	req       Request
	cmd       Command
	name      string
	createdAt time.Time
	timeout   time.Duration
	chunkSize int

	proc Process
	sink ResponseSink

	mu          sync.Mutex
	state       State
	err         error
	started     bool
	headersSent bool
	written     int64

	// run once after the terminal transition, outside mu
	onFinish []func(*Session)
	// releases the staging slot, nil for streaming sessions
	release func()

	done chan struct{}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Request() Request     { return s.req }
func (s *Session) Command() Command     { return s.cmd }
func (s *Session) Name() string         { return s.name }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session is terminal and its hooks have run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason for a Failed or Aborted session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BytesWritten is the number of body bytes handed to the sink.
func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// start spawns the process and hands over to the session goroutine.
// A spawn failure finishes the response with a diagnostic body.
func (s *Session) start() {
	s.mu.Lock()
	if s.state != StateSpawning {
		s.mu.Unlock()
		return
	}

	if s.cmd.Target.Kind == TargetStaging {
		s.removeStaging()
	}

	if err := s.proc.Start(); err != nil {
		s.state = StateFailed
		s.err = newCaptureError(ErrSpawn, err)
		logging.ErrorLogger.Printf("[%s] %v", s.id, s.err)
		s.writeDiagnosticLocked()
		s.mu.Unlock()
		s.finalize(false)
		return
	}

	s.started = true
	if s.cmd.Target.Kind == TargetStaging {
		s.state = StateAwaitingExit
	} else {
		s.state = StateStreaming
	}
	logging.Trace("[%s] %s capture started (%s)", s.id, s.req.Source, s.state)
	s.mu.Unlock()

	go s.run()
}

func (s *Session) run() {
	var timeout <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timeout = t.C
	}

	out := s.proc.Output()
	for out != nil {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			s.handleOutput(chunk)
		case <-timeout:
			s.expire()
			return
		case <-s.done:
			return
		}
	}

	select {
	case <-s.proc.Done():
		s.handleExit()
	case <-timeout:
		s.expire()
	case <-s.done:
	}
}

func (s *Session) handleOutput(chunk []byte) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.cmd.Target.Kind == TargetStaging {
		s.mu.Unlock()
		logging.Trace("[%s] ignoring %d bytes of stdout from staging capture", s.id, len(chunk))
		return
	}

	s.sendHeadersLocked(0)
	if err := s.sink.Write(chunk); err != nil {
		s.state = StateAborted
		s.err = newCaptureError(ErrAbortedByClient, err)
		s.mu.Unlock()
		logging.Trace("[%s] write failed, aborting: %v", s.id, err)
		s.finalize(true)
		return
	}
	s.written += int64(len(chunk))
	s.mu.Unlock()
}

func (s *Session) handleExit() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFinalizing
	code := s.proc.ExitCode()

	var err error
	if s.cmd.Target.Kind == TargetStaging {
		err = s.serveStagingLocked()
	} else if s.written == 0 {
		err = fmt.Errorf("exit status %d", code)
	}

	switch {
	case err == nil:
		if ferr := s.sink.Finish(); ferr != nil {
			logging.WarningLogger.Printf("[%s] finishing response: %v", s.id, ferr)
		}
		s.state = StateCompleted
		if code != 0 {
			logging.WarningLogger.Printf("[%s] capture exited with status %d after %d bytes", s.id, code, s.written)
		}
		logging.InfoLogger.Printf("[%s] %s capture completed, %d bytes", s.id, s.req.Source, s.written)
	case errors.Is(err, ErrAbortedByClient):
		s.state = StateAborted
		s.err = err
		logging.Trace("[%s] client went away while serving staged capture", s.id)
	default:
		s.state = StateFailed
		s.err = newCaptureError(ErrCaptureEmpty, err)
		logging.WarningLogger.Printf("[%s] %v", s.id, s.err)
		s.writeDiagnosticLocked()
	}
	s.mu.Unlock()

	s.finalize(false)
}

// expire kills a capture that ran past its timeout.
func (s *Session) expire() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = newCaptureError(ErrCaptureTimeout, fmt.Errorf("no exit after %s", s.timeout))
	logging.WarningLogger.Printf("[%s] %v", s.id, s.err)
	s.writeDiagnosticLocked()
	s.mu.Unlock()

	s.finalize(true)
}

// Abort tears the session down after the client disconnected. It kills the
// process and never touches the sink again. It reports whether this call
// performed the teardown.
func (s *Session) Abort() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateAborted
	s.err = newCaptureError(ErrAbortedByClient, nil)
	s.mu.Unlock()

	logging.InfoLogger.Printf("[%s] client disconnected, capture aborted", s.id)
	s.finalize(true)
	return true
}

// finalize runs exactly once, by whoever moved the session to a terminal state.
func (s *Session) finalize(kill bool) {
	if kill {
		s.proc.Kill()
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.cleanup(started)

	for _, fn := range s.onFinish {
		fn(s)
	}
	close(s.done)
}

// cleanup removes the staging file once the process can no longer write it,
// then frees the staging slot.
func (s *Session) cleanup(started bool) {
	if s.cmd.Target.Kind != TargetStaging {
		return
	}
	if !started {
		if s.release != nil {
			s.release()
		}
		return
	}
	go func() {
		<-s.proc.Done()
		s.removeStaging()
		if s.release != nil {
			s.release()
		}
	}()
}

func (s *Session) removeStaging() {
	err := os.Remove(s.cmd.Target.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarningLogger.Printf("[%s] could not remove %s: %v", s.id, s.cmd.Target.Path, err)
	}
}

func (s *Session) sendHeadersLocked(length int64) {
	if s.headersSent {
		return
	}
	s.headersSent = true
	s.sink.SetHeader("Content-Type", s.req.Format.ContentType())
	s.sink.SetHeader("Content-Disposition", ContentDisposition(s.name, s.req.Format))
	if length > 0 {
		s.sink.SetHeader("Content-Length", strconv.FormatInt(length, 10))
	}
}

// serveStagingLocked copies the staged file into the response. A sink write
// error is reported as ErrAbortedByClient.
func (s *Session) serveStagingLocked() error {
	f, err := os.Open(s.cmd.Target.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", s.cmd.Target.Path)
	}

	s.sendHeadersLocked(info.Size())
	buf := make([]byte, s.chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := s.sink.Write(buf[:n]); werr != nil {
				return newCaptureError(ErrAbortedByClient, werr)
			}
			s.written += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// writeDiagnosticLocked finishes the response with a plain text error. The
// status stays 200. When image bytes are already out, the response is only
// finished.
func (s *Session) writeDiagnosticLocked() {
	if !s.headersSent {
		s.headersSent = true
		msg := fmt.Sprintf("Error creating screenshot:\n %v", s.err)
		if r, ok := s.proc.(stderrReporter); ok {
			if tail := r.Stderr(); tail != "" {
				msg += "\n" + tail
			}
		}
		s.sink.SetHeader("Content-Type", "text/plain; charset=utf-8")
		if err := s.sink.Write([]byte(msg)); err != nil {
			logging.Trace("[%s] writing diagnostic: %v", s.id, err)
			return
		}
	}
	if err := s.sink.Finish(); err != nil {
		logging.WarningLogger.Printf("[%s] finishing response: %v", s.id, err)
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Format    string    `json:"format"`
	State     string    `json:"state"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		Source:    s.req.Source.String(),
		Format:    string(s.req.Format),
		State:     s.State().String(),
		Name:      s.name + "." + s.req.Format.Extension(),
		CreatedAt: s.createdAt,
	}
}
