// Package state holds what the receiver is currently showing, as reported
// by the TV stack.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/e2openplugins/webgrab/internal/grab"
	"github.com/e2openplugins/webgrab/internal/logging"
)

// NavMessage is published whenever the main service changes.
type NavMessage struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
}

// PipMessage is published when the secondary view opens, closes or zaps.
type PipMessage struct {
	Ref   string `json:"ref"`
	Name  string `json:"name"`
	Shown bool   `json:"shown"`
}

// Playback is the current playback context. The zero value has nothing playing.
type Playback struct {
	mu        sync.RWMutex
	current   grab.ServiceRef
	pip       grab.ServiceRef
	pipShown  bool
	updatedAt time.Time
}

func New() *Playback {
	return &Playback{}
}

// Current returns the main service, false when nothing is tuned.
func (p *Playback) Current() (grab.ServiceRef, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.current.Ref != ""
}

// Pip returns the secondary service and whether it is on screen.
func (p *Playback) Pip() (grab.ServiceRef, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pip, p.pipShown
}

func (p *Playback) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}

func (p *Playback) SetCurrent(ref grab.ServiceRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = ref
	p.updatedAt = time.Now()
}

func (p *Playback) SetPip(ref grab.ServiceRef, shown bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pip = ref
	p.pipShown = shown && ref.Ref != ""
	p.updatedAt = time.Now()
}

// UpdateFromNavMessage applies a navigation message. An empty ref clears
// the main service.
func (p *Playback) UpdateFromNavMessage(payload []byte) error {
	var msg NavMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing nav message: %w", err)
	}
	p.SetCurrent(grab.ServiceRef{Ref: msg.Ref, Name: msg.Name})
	logging.Trace("Current service %q (%s)", msg.Name, msg.Ref)
	return nil
}

// UpdateFromPipMessage applies a secondary view message. An empty ref
// closes the view.
func (p *Playback) UpdateFromPipMessage(payload []byte) error {
	var msg PipMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing pip message: %w", err)
	}
	p.SetPip(grab.ServiceRef{Ref: msg.Ref, Name: msg.Name}, msg.Shown)
	logging.Trace("PiP service %q (%s) shown=%v", msg.Name, msg.Ref, msg.Shown)
	return nil
}
