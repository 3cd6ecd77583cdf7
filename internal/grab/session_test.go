package grab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	cmd      Command
	startErr error

	mu       sync.Mutex
	starts   int
	kills    int
	exitCode int

	// sendMu keeps emit from racing the close of output
	sendMu   sync.RWMutex
	output   chan []byte
	done     chan struct{}
	exitOnce sync.Once
}

func newFakeProcess(cmd Command) *fakeProcess {
	return &fakeProcess{
		cmd:      cmd,
		exitCode: -1,
		output:   make(chan []byte),
		done:     make(chan struct{}),
	}
}

func (p *fakeProcess) Start() error {
	p.mu.Lock()
	p.starts++
	err := p.startErr
	p.mu.Unlock()
	if err != nil {
		p.exit(-1)
	}
	return err
}

func (p *fakeProcess) Output() <-chan []byte { return p.output }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1)
}

// emit hands a chunk to the session, or gives up once the process is gone.
func (p *fakeProcess) emit(chunk []byte) bool {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.output <- chunk:
		return true
	case <-p.done:
		return false
	}
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
		p.sendMu.Lock()
		close(p.output)
		p.sendMu.Unlock()
	})
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeSink struct {
	mu       sync.Mutex
	headers  map[string]string
	started  bool
	chunks   [][]byte
	finishes int
	writeErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{headers: map[string]string{}}
}

func (s *fakeSink) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.headers[key] = value
	}
}

func (s *fakeSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.started = true
	s.chunks = append(s.chunks, append([]byte(nil), p...))
	return nil
}

func (s *fakeSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes++
	return nil
}

func (s *fakeSink) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.Write(c)
	}
	return b.String()
}

func (s *fakeSink) header(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[key]
}

func (s *fakeSink) counts() (writes, finishes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.finishes
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) all() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type harness struct {
	grabber  *Grabber
	notifier *recordingNotifier

	mu    sync.Mutex
	procs []*fakeProcess
	setup func(*fakeProcess)
}

func newHarness(t *testing.T, tweak func(*Settings)) *harness {
	t.Helper()
	h := &harness{notifier: &recordingNotifier{}}
	settings := Settings{
		Options:   testOptions(t.TempDir()),
		Timeout:   5 * time.Second,
		ChunkSize: 4,
		Playback:  &fakePlayback{},
		Notifier:  h.notifier,
		Now:       clock,
		NewProcess: func(cmd Command) Process {
			p := newFakeProcess(cmd)
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.setup != nil {
				h.setup(p)
			}
			h.procs = append(h.procs, p)
			return p
		},
	}
	if tweak != nil {
		tweak(&settings)
	}
	h.grabber = New(settings)
	return h
}

func (h *harness) last() *fakeProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[len(h.procs)-1]
}

func (h *harness) render(t *testing.T, ctx context.Context, query string) (*Session, *fakeSink) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/grab?"+query, nil).WithContext(ctx)
	sink := newFakeSink()
	s, err := h.grabber.Render(r, sink)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s, sink
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish, state %s", s.ID(), s.State())
	}
}

func TestSessionStreamsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	s, sink := h.render(t, context.Background(), "format=png&mode=osd")
	p := h.last()

	assert.Equal(t, StateStreaming, s.State())
	var want strings.Builder
	for _, c := range []string{"c1", "c2", "c3", "c4", "c5"} {
		require.True(t, p.emit([]byte(c)))
		want.WriteString(c)
	}
	p.exit(0)
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, want.String(), sink.body())
	assert.Equal(t, int64(10), s.BytesWritten())
	_, finishes := sink.counts()
	assert.Equal(t, 1, finishes)
	assert.Equal(t, "image/png", sink.header("Content-Type"))
	assert.Equal(t, "inline; filename=screenshot_20260102030405.png", sink.header("Content-Disposition"))
	assert.Equal(t, 0, h.grabber.Registry().Len())
	assert.Equal(t, 0, p.killCount())
}

func TestSessionScenarioB(t *testing.T) {
	h := newHarness(t, nil)
	s, _ := h.render(t, context.Background(), "format=jpg&r=720")
	p := h.last()

	assert.Equal(t, []string{"-q", "-s", "-j", "95", "-r", "720"}, p.cmd.Args)
	p.emit([]byte("jpeg"))
	p.exit(0)
	waitDone(t, s)
	assert.Equal(t, StateCompleted, s.State())
}

func TestSessionClientDisconnectBeforeOutput(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s, sink := h.render(t, ctx, "format=png")
	p := h.last()

	time.Sleep(10 * time.Millisecond)
	cancel()
	waitDone(t, s)

	assert.Equal(t, StateAborted, s.State())
	assert.ErrorIs(t, s.Err(), ErrAbortedByClient)
	assert.Equal(t, 1, p.killCount())
	writes, finishes := sink.counts()
	assert.Zero(t, writes)
	assert.Zero(t, finishes)
	assert.Equal(t, 0, h.grabber.Registry().Len())

	// late output and exit are ignored
	p.emit([]byte("late"))
	p.exit(0)
	writes, finishes = sink.counts()
	assert.Zero(t, writes)
	assert.Zero(t, finishes)
	assert.False(t, s.Abort())
}

func TestSessionAbortAfterPartialOutput(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s, sink := h.render(t, ctx, "")
	p := h.last()

	require.True(t, p.emit([]byte("part")))
	require.Eventually(t, func() bool { return s.BytesWritten() == 4 }, time.Second, time.Millisecond)
	cancel()
	waitDone(t, s)

	assert.Equal(t, StateAborted, s.State())
	assert.Equal(t, "part", sink.body())
	_, finishes := sink.counts()
	assert.Zero(t, finishes)
}

func TestSessionAbortRacesExit(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		s, sink := h.render(t, ctx, "format=bmp")
		p := h.last()

		require.True(t, p.emit([]byte("data")))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); p.exit(0) }()
		go func() { defer wg.Done(); cancel() }()
		wg.Wait()
		waitDone(t, s)

		_, finishes := sink.counts()
		switch s.State() {
		case StateCompleted:
			assert.Equal(t, 1, finishes)
		case StateAborted:
			assert.Zero(t, finishes)
		default:
			t.Fatalf("unexpected state %s", s.State())
		}
		require.Eventually(t, func() bool { return len(h.notifier.all()) > 0 }, time.Second, time.Millisecond)
		events := h.notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, s.State(), events[0].State)
	}
}

type blockingNotifier struct {
	entered chan Event
	unblock chan struct{}
}

func (n *blockingNotifier) Notify(e Event) {
	n.entered <- e
	<-n.unblock
}

func TestSessionDoneDoesNotWaitForNotifier(t *testing.T) {
	n := &blockingNotifier{entered: make(chan Event, 1), unblock: make(chan struct{})}
	defer close(n.unblock)
	h := newHarness(t, func(s *Settings) { s.Notifier = n })
	s, sink := h.render(t, context.Background(), "format=png")
	p := h.last()

	require.True(t, p.emit([]byte("img")))
	p.exit(0)

	select {
	case ev := <-n.entered:
		assert.Equal(t, s.ID(), ev.Session)
		assert.Equal(t, StateCompleted, ev.State)
	case <-time.After(5 * time.Second):
		t.Fatal("notifier never called")
	}
	// Notify is still blocked here
	waitDone(t, s)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, "img", sink.body())
	assert.Equal(t, 0, h.grabber.Registry().Len())
}

func TestSessionStreamingEmptyExit(t *testing.T) {
	h := newHarness(t, nil)
	s, sink := h.render(t, context.Background(), "mode=video")
	h.last().exit(1)
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrCaptureEmpty)
	assert.Contains(t, sink.body(), "Error creating screenshot")
	assert.Equal(t, "text/plain; charset=utf-8", sink.header("Content-Type"))
	assert.Empty(t, sink.header("Content-Disposition"))
	_, finishes := sink.counts()
	assert.Equal(t, 1, finishes)
}

func TestSessionSpawnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.setup = func(p *fakeProcess) { p.startErr = errors.New("exec: no such file") }

	s, sink := h.render(t, context.Background(), "")
	select {
	case <-s.Done():
	default:
		t.Fatal("spawn failure should finish the session before Render returns")
	}

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSpawn)
	assert.Contains(t, sink.body(), "no such file")
	_, finishes := sink.counts()
	assert.Equal(t, 1, finishes)
	assert.Equal(t, 0, h.grabber.Registry().Len())
}

func TestSessionTimeout(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Timeout = 20 * time.Millisecond })
	s, sink := h.render(t, context.Background(), "")
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrCaptureTimeout)
	assert.Equal(t, 1, h.last().killCount())
	assert.Contains(t, sink.body(), "Error creating screenshot")
	_, finishes := sink.counts()
	assert.Equal(t, 1, finishes)
}

func TestSessionTimeoutAfterPartialImage(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Timeout = 50 * time.Millisecond })
	s, sink := h.render(t, context.Background(), "")
	require.True(t, h.last().emit([]byte("head")))
	waitDone(t, s)

	assert.ErrorIs(t, s.Err(), ErrCaptureTimeout)
	assert.Equal(t, "head", sink.body())
	assert.Equal(t, "image/jpeg", sink.header("Content-Type"))
	_, finishes := sink.counts()
	assert.Equal(t, 1, finishes)
}

func TestSessionWriteFailureAborts(t *testing.T) {
	h := newHarness(t, nil)
	s, sink := h.render(t, context.Background(), "")
	sink.writeErr = errors.New("broken pipe")

	h.last().emit([]byte("x"))
	waitDone(t, s)

	assert.Equal(t, StateAborted, s.State())
	assert.Equal(t, 1, h.last().killCount())
	_, finishes := sink.counts()
	assert.Zero(t, finishes)
}

func stagingHarness(t *testing.T) *harness {
	return newHarness(t, func(s *Settings) { s.Staging = true })
}

func TestSessionStagingServesFile(t *testing.T) {
	h := stagingHarness(t)
	s, sink := h.render(t, context.Background(), "format=png&mode=video")
	p := h.last()

	assert.Equal(t, StateAwaitingExit, s.State())
	require.NoError(t, os.WriteFile(p.cmd.Target.Path, []byte("PNGDATA-0123"), 0o644))
	p.exit(0)
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, "PNGDATA-0123", sink.body())
	assert.Equal(t, "12", sink.header("Content-Length"))
	assert.Equal(t, "image/png", sink.header("Content-Type"))
	writes, finishes := sink.counts()
	assert.Equal(t, 3, writes) // chunk size 4
	assert.Equal(t, 1, finishes)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(p.cmd.Target.Path)
		return errors.Is(err, os.ErrNotExist)
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStagingMissingFile(t *testing.T) {
	h := stagingHarness(t)
	s, sink := h.render(t, context.Background(), "format=jpg")
	h.last().exit(1)
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrCaptureEmpty)
	assert.True(t, strings.HasPrefix(sink.body(), "Error creating screenshot:\n "))
	_, finishes := sink.counts()
	assert.Equal(t, 1, finishes)
}

func TestSessionStagingBusy(t *testing.T) {
	h := stagingHarness(t)
	first, _ := h.render(t, context.Background(), "")

	r := httptest.NewRequest(http.MethodGet, "/grab?format=png", nil)
	_, err := h.grabber.Render(r, newFakeSink())
	assert.ErrorIs(t, err, ErrStagingBusy)

	h.last().exit(1)
	waitDone(t, first)

	assert.Eventually(t, func() bool {
		if !h.grabber.staging.TryAcquire(1) {
			return false
		}
		h.grabber.staging.Release(1)
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStagingAbortRemovesFile(t *testing.T) {
	h := stagingHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, sink := h.render(t, ctx, "")
	p := h.last()
	require.NoError(t, os.WriteFile(p.cmd.Target.Path, []byte("partial"), 0o644))

	cancel()
	waitDone(t, s)

	assert.Equal(t, StateAborted, s.State())
	assert.Empty(t, sink.body())
	assert.Eventually(t, func() bool {
		_, err := os.Stat(p.cmd.Target.Path)
		return errors.Is(err, os.ErrNotExist)
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStagingRemovesStaleFile(t *testing.T) {
	h := stagingHarness(t)
	stale := filepath.Join(h.grabber.settings.StagingDir, "screenshot.jpg")
	require.NoError(t, os.WriteFile(stale, []byte("STALEBYTES"), 0o644))

	s, sink := h.render(t, context.Background(), "")
	h.last().exit(1)
	waitDone(t, s)

	assert.ErrorIs(t, s.Err(), ErrCaptureEmpty)
	assert.NotContains(t, sink.body(), "STALEBYTES")
}

func TestSessionPanelCapture(t *testing.T) {
	control := filepath.Join(t.TempDir(), "dump")
	h := newHarness(t, func(s *Settings) { s.PanelDumpControl = control })
	s, sink := h.render(t, context.Background(), "mode=lcd&format=jpg")
	p := h.last()

	data, err := os.ReadFile(control)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
	assert.Equal(t, "/bin/cp", p.cmd.Path)

	require.NoError(t, os.WriteFile(p.cmd.Target.Path, []byte("LCD"), 0o644))
	p.exit(0)
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, "LCD", sink.body())
	assert.Equal(t, "inline; filename=lcdshot_20260102030405.png", sink.header("Content-Disposition"))
}

func TestSessionPipHiddenBehavesLikeVideo(t *testing.T) {
	pb := &fakePlayback{pip: ServiceRef{Ref: "1:0:1:2:2:2:0:0:0:0:"}}
	h := newHarness(t, func(s *Settings) {
		s.CanGrabPip = true
		s.Playback = pb
	})

	pip, pipSink := h.render(t, context.Background(), "mode=pip")
	pipProc := h.last()
	video, videoSink := h.render(t, context.Background(), "mode=video")
	videoProc := h.last()

	assert.Equal(t, videoProc.cmd, pipProc.cmd)
	pipProc.emit([]byte("a"))
	videoProc.emit([]byte("a"))
	pipProc.exit(0)
	videoProc.exit(0)
	waitDone(t, pip)
	waitDone(t, video)
	assert.Equal(t, videoSink.header("Content-Disposition"), pipSink.header("Content-Disposition"))
}

func TestGrabberPipShown(t *testing.T) {
	pb := &fakePlayback{pipShown: true}
	h := newHarness(t, func(s *Settings) { s.Playback = pb })
	assert.False(t, h.grabber.PipShown(), "capability off")

	h = newHarness(t, func(s *Settings) {
		s.Playback = pb
		s.CanGrabPip = true
	})
	assert.True(t, h.grabber.PipShown())

	s, _ := h.render(t, context.Background(), "mode=pip")
	assert.Equal(t, []string{"-q", "-s", "-j", "95", "-v", "-i", "1"}, h.last().cmd.Args)
	h.last().exit(1)
	waitDone(t, s)
}

func TestGrabberValidationError(t *testing.T) {
	h := newHarness(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/grab?r=big", nil)
	s, err := h.grabber.Render(r, newFakeSink())
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, h.procs)
}

func TestRegistrySessions(t *testing.T) {
	h := newHarness(t, nil)
	s1, _ := h.render(t, context.Background(), "mode=osd")
	p1 := h.last()
	s2, _ := h.render(t, context.Background(), "mode=video&format=png")
	p2 := h.last()

	infos := h.grabber.Registry().Sessions()
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.ElementsMatch(t, []string{s1.ID(), s2.ID()}, ids)
	for _, info := range infos {
		assert.Equal(t, "streaming", info.State)
	}

	p1.exit(1)
	p2.exit(1)
	waitDone(t, s1)
	waitDone(t, s2)
	assert.Empty(t, h.grabber.Registry().Sessions())
}

func TestRegistryAbortAll(t *testing.T) {
	h := newHarness(t, nil)
	s1, sink1 := h.render(t, context.Background(), "mode=osd")
	p1 := h.last()
	s2, _ := h.render(t, context.Background(), "mode=video")
	p2 := h.last()

	assert.Equal(t, 2, h.grabber.Registry().AbortAll())
	waitDone(t, s1)
	waitDone(t, s2)

	assert.Equal(t, StateAborted, s1.State())
	assert.Equal(t, StateAborted, s2.State())
	assert.Equal(t, 1, p1.killCount())
	assert.Equal(t, 1, p2.killCount())
	writes, finishes := sink1.counts()
	assert.Zero(t, writes)
	assert.Zero(t, finishes)
	assert.Equal(t, 0, h.grabber.Registry().Len())
	assert.Zero(t, h.grabber.Registry().AbortAll())
}

func TestRegistryAlreadyCancelledRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, sink := h.render(t, ctx, "")
	waitDone(t, s)
	assert.Equal(t, StateAborted, s.State())
	writes, finishes := sink.counts()
	assert.Zero(t, writes)
	assert.Zero(t, finishes)
}
