package grab

import (
	"errors"
	"net/http"
	"sync"
)

// ResponseSink is where a session delivers its response. Headers take
// effect only before the first Write. Finish is called at most once, and
// never after the client has gone away.
type ResponseSink interface {
	SetHeader(key, value string)
	Write(p []byte) error
	Finish() error
}

var errSinkFinished = errors.New("response already finished")

// HTTPSink adapts an http.ResponseWriter. Every chunk is flushed so the
// client receives image data as the capture produces it.
type HTTPSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu       sync.Mutex
	started  bool
	finished bool
}

func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	return &HTTPSink{w: w, rc: http.NewResponseController(w)}
}

func (s *HTTPSink) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.w.Header().Set(key, value)
}

func (s *HTTPSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errSinkFinished
	}
	if !s.started {
		s.started = true
		s.w.WriteHeader(http.StatusOK)
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *HTTPSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errSinkFinished
	}
	s.finished = true
	if !s.started {
		s.started = true
		s.w.WriteHeader(http.StatusOK)
	}
	return nil
}
