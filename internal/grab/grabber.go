// Package grab turns capture requests into external capture processes and
// delivers their output as HTTP responses.
package grab

import (
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/e2openplugins/webgrab/internal/logging"
	"github.com/e2openplugins/webgrab/internal/process"
)

// Event describes a session reaching a terminal state.
type Event struct {
	Session string
	Source  Source
	Name    string
	State   State
	Err     error
}

// Notifier is told about every finished session.
type Notifier interface {
	Notify(Event)
}

// Settings configures a Grabber.
type Settings struct {
	Options

	Timeout          time.Duration
	ChunkSize        int
	PanelDumpControl string

	// CanGrabPip is false on boxes whose capture binary has no secondary decoder support.
	CanGrabPip     bool
	Playback       Playback
	UseChannelName func() bool

	Notifier Notifier

	// NewProcess overrides process creation. Defaults to process.New.
	NewProcess func(Command) Process
	Now        func() time.Time
}

// Grabber is the capture entry point used by the HTTP layer.
type Grabber struct {
	settings Settings
	naming   NamingPolicy
	registry *Registry
	staging  *semaphore.Weighted
}

func New(settings Settings) *Grabber {
	if settings.ChunkSize <= 0 {
		settings.ChunkSize = process.DefaultChunkSize
	}
	if settings.NewProcess == nil {
		chunk := settings.ChunkSize
		settings.NewProcess = func(cmd Command) Process {
			return process.New(cmd.Path, cmd.Args, process.WithChunkSize(chunk))
		}
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Grabber{
		settings: settings,
		naming: NamingPolicy{
			Playback:       settings.Playback,
			UseChannelName: settings.UseChannelName,
			Now:            settings.Now,
		},
		registry: NewRegistry(),
		staging:  semaphore.NewWeighted(1),
	}
}

// PipShown reports whether a secondary view is visible and can be captured.
func (g *Grabber) PipShown() bool {
	if !g.settings.CanGrabPip || g.settings.Playback == nil {
		return false
	}
	_, shown := g.settings.Playback.Pip()
	return shown
}

// Registry exposes the live session bindings.
func (g *Grabber) Registry() *Registry {
	return g.registry
}

// Render starts a capture for r and returns the session that now owns the
// response. The response is complete once the session's Done channel is
// closed. Errors are only returned when nothing was spawned: ErrValidation
// for bad parameters and ErrStagingBusy when the staging file is taken.
// Spawn failures are reported through the session itself.
func (g *Grabber) Render(r *http.Request, sink ResponseSink) (*Session, error) {
	req, err := ParseRequest(r.URL.Query(), g.PipShown())
	if err != nil {
		return nil, err
	}
	cmd := BuildCommand(req, g.settings.Options)

	var release func()
	if cmd.Target.Kind == TargetStaging {
		if !g.staging.TryAcquire(1) {
			logging.WarningLogger.Printf("Rejecting %s capture: staging file %s in use", req.Source, cmd.Target.Path)
			return nil, newCaptureError(ErrStagingBusy, nil)
		}
		release = func() { g.staging.Release(1) }
	}

	if req.Source == SourcePanel {
		g.enablePanelDump()
	}

	s := &Session{
		id:        uuid.NewString(),
		req:       req,
		cmd:       cmd,
		name:      g.naming.Name(req),
		createdAt: g.settings.Now(),
		timeout:   g.settings.Timeout,
		chunkSize: g.settings.ChunkSize,
		proc:      g.settings.NewProcess(cmd),
		sink:      sink,
		release:   release,
		done:      make(chan struct{}),
	}
	s.onFinish = append(s.onFinish, func(s *Session) {
		g.registry.Unbind(r)
		g.notify(s)
	})

	logging.InfoLogger.Printf("[%s] %s capture as %s.%s (%s)", s.id, req.Source, s.name, req.Format.Extension(), cmd.Target.Kind)
	g.registry.Bind(r, s)
	s.start()
	return s, nil
}

// notify hands the finished session to the Notifier on its own goroutine so
// a slow subscriber never holds up Done.
func (g *Grabber) notify(s *Session) {
	n := g.settings.Notifier
	if n == nil {
		return
	}
	ev := Event{
		Session: s.id,
		Source:  s.req.Source,
		Name:    s.name + "." + s.req.Format.Extension(),
		State:   s.State(),
		Err:     s.Err(),
	}
	go n.Notify(ev)
}

// enablePanelDump asks the panel driver to keep refreshing its dump file.
func (g *Grabber) enablePanelDump() {
	path := g.settings.PanelDumpControl
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		logging.WarningLogger.Printf("Could not enable panel dump via %s: %v", path, err)
	}
}
