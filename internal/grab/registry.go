package grab

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

type binding struct {
	session *Session
	stop    func() bool
}

// Registry routes a client disconnect to the session serving that request.
// It does not own sessions: it only guarantees that the disconnect is
// delivered at most once and forgotten once the session is done.
type Registry struct {
	mu       sync.Mutex
	bindings map[*http.Request]binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[*http.Request]binding)}
}

// Bind associates s with r. Cancellation of r's context aborts s.
func (reg *Registry) Bind(r *http.Request, s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	stop := context.AfterFunc(r.Context(), func() {
		if s := reg.take(r); s != nil {
			s.Abort()
		}
	})
	reg.bindings[r] = binding{session: s, stop: stop}
}

// Unbind forgets r without aborting its session.
func (reg *Registry) Unbind(r *http.Request) {
	reg.mu.Lock()
	b, ok := reg.bindings[r]
	delete(reg.bindings, r)
	reg.mu.Unlock()

	if ok {
		b.stop()
	}
}

func (reg *Registry) take(r *http.Request) *Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	b, ok := reg.bindings[r]
	if !ok {
		return nil
	}
	delete(reg.bindings, r)
	return b.session
}

// AbortAll aborts every bound session, for shutdown. It returns how many
// sessions it tore down.
func (reg *Registry) AbortAll() int {
	reg.mu.Lock()
	bindings := make([]binding, 0, len(reg.bindings))
	for r, b := range reg.bindings {
		bindings = append(bindings, b)
		delete(reg.bindings, r)
	}
	reg.mu.Unlock()

	n := 0
	for _, b := range bindings {
		b.stop()
		if b.session.Abort() {
			n++
		}
	}
	return n
}

// Lookup returns the session bound to r, if any.
func (reg *Registry) Lookup(r *http.Request) (*Session, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.bindings[r]
	return b.session, ok
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.bindings)
}

// Sessions lists the live sessions, oldest first.
func (reg *Registry) Sessions() []Info {
	reg.mu.Lock()
	sessions := make([]*Session, 0, len(reg.bindings))
	for _, b := range reg.bindings {
		sessions = append(sessions, b.session)
	}
	reg.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}
