package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/audio"
	"github.com/snarg/whisper-notes/internal/capture"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

// sync waits until the actor has handled every message posted before it.
func (o *Orchestrator) sync() error {
	done := make(chan struct{})
	if err := o.post(syncCmd{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-o.ctx.Done():
		return ErrClosed
	}
}

// tick injects a watchdog tick carrying now.
func (o *Orchestrator) tick(now time.Time) error {
	return o.post(tickEvent{now: now})
}

type fakeStream struct {
	mu       sync.Mutex
	cb       audio.Callback
	startErr error
	closed   bool
}

func (s *fakeStream) Start() error { return s.startErr }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push delivers one block the way a device callback would.
func (s *fakeStream) push(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.cb(block, audio.Status{})
	}
}

type fakeSource struct {
	mu       sync.Mutex
	openErr  error
	startErr error
	gate     chan struct{} // when set, Open blocks until it is closed
	streams  []*fakeStream
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Open(_ audio.Format, cb audio.Callback) (audio.Stream, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	st := &fakeStream{cb: cb, startErr: s.startErr}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSource) opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *fakeSource) last() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

type stubModel struct {
	text string
	err  error
	gate chan struct{}
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Transcribe(ctx context.Context, _ []float32, _ audio.Format) (*transcribe.Response, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &transcribe.Response{Text: m.text, Language: "en"}, nil
}

// stuckModel blocks until released and never looks at its context, like a
// native decoder that cannot be interrupted.
type stuckModel struct {
	release chan struct{}
	calls   atomic.Int32
}

func (m *stuckModel) Name() string { return "stuck" }

func (m *stuckModel) Transcribe(context.Context, []float32, audio.Format) (*transcribe.Response, error) {
	m.calls.Add(1)
	<-m.release
	return &transcribe.Response{Text: "late"}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type mutableConfig struct {
	mu    sync.Mutex
	max   time.Duration
	model string
}

func (c *mutableConfig) MaxRecordingDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (c *mutableConfig) ModelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *mutableConfig) setModel(name string) {
	c.mu.Lock()
	c.model = name
	c.mu.Unlock()
}

type event struct {
	kind    string
	info    SessionInfo
	result  Result
	failure Failure
}

type recorder struct{ ch chan event }

func newRecorder() *recorder { return &recorder{ch: make(chan event, 64)} }

func (r *recorder) OnRecordingStarted(i SessionInfo) { r.ch <- event{kind: "started", info: i} }
func (r *recorder) OnRecordingStopped(i SessionInfo) { r.ch <- event{kind: "stopped", info: i} }
func (r *recorder) OnTranscriptionResult(res Result) { r.ch <- event{kind: "result", result: res} }
func (r *recorder) OnError(f Failure)                { r.ch <- event{kind: "error", failure: f} }

func (r *recorder) expect(t *testing.T, kind string) event {
	t.Helper()
	select {
	case e := <-r.ch:
		if e.kind != kind {
			t.Fatalf("event = %s (%+v), want %s", e.kind, e, kind)
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return event{}
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected %s event: %+v", e.kind, e)
	case <-time.After(d):
	}
}

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 4096}

type harness struct {
	o      *Orchestrator
	src    *fakeSource
	events *recorder
	clock  *fakeClock
	config *mutableConfig
	runner *transcribe.Runner
	model  *stubModel
	t0     time.Time

	// completed receives every job result the runner produces, including
	// those of sessions the engine has abandoned.
	completed chan transcribe.JobResult
}

func newHarness(t *testing.T, loader transcribe.Loader, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		src:    &fakeSource{},
		events: newRecorder(),
		clock:  &fakeClock{},
		config: &mutableConfig{max: 15 * time.Minute, model: "base"},
		model:  &stubModel{text: "hello there"},
		t0:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),

		completed: make(chan transcribe.JobResult, 16),
	}
	h.clock.Set(h.t0)
	if loader == nil {
		loader = transcribe.LoaderFunc(func(ctx context.Context, name string) (transcribe.Model, error) {
			return h.model, nil
		})
	}

	h.runner = transcribe.NewRunner(transcribe.RunnerOptions{
		OnComplete: func(res transcribe.JobResult) {
			select {
			case h.completed <- res:
			default:
			}
		},
		Log:        zerolog.Nop(),
	})
	h.runner.Start()
	t.Cleanup(h.runner.Stop)

	opts := Options{
		Source:           h.src,
		Format:           testFormat,
		Config:           h.config,
		Models:           transcribe.NewModelCache(loader, 0, zerolog.Nop()),
		Runner:           h.runner,
		Listener:         h.events,
		WatchdogInterval: time.Hour, // ticks are injected
		SubmitRetry:      5 * time.Millisecond,
		Now:              h.clock.Now,
		Log:              zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Close(ctx)
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.o.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", h.o.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) mustSync(t *testing.T) {
	t.Helper()
	if err := h.o.sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// startRecording starts a session and feeds it n blocks of a 0.5 amplitude signal.
func (h *harness) startRecording(t *testing.T, note NoteType, n int) SessionInfo {
	t.Helper()
	if err := h.o.Start(note); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info := h.events.expect(t, "started").info
	stream := h.src.last()
	for i := 0; i < n; i++ {
		block := make([]float32, testFormat.BlockSize)
		for j := range block {
			if j%2 == 0 {
				block[j] = 0.5
			} else {
				block[j] = -0.5
			}
		}
		stream.push(block)
	}
	return info
}

func TestRecordAndTranscribe(t *testing.T) {
	h := newHarness(t, nil, nil)
	note := NoteType{ID: "journal", Template: "{{.Text}}", StoragePath: "/notes"}

	started := h.startRecording(t, note, 3)
	if started.Note != note {
		t.Errorf("started note = %+v, want %+v", started.Note, note)
	}
	if started.Model != "base" {
		t.Errorf("started model = %q, want base", started.Model)
	}
	if h.o.State() != StateRecording {
		t.Errorf("state = %s, want recording", h.o.State())
	}

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped := h.events.expect(t, "stopped").info
	if stopped.Reason != StopManual {
		t.Errorf("reason = %s, want manual", stopped.Reason)
	}
	if stopped.Samples != 3*4096 {
		t.Errorf("samples = %d, want %d", stopped.Samples, 3*4096)
	}
	if stopped.LikelySilent {
		t.Error("0.5 amplitude audio flagged as likely silent")
	}
	if stopped.Recording == nil || stopped.Recording.SessionID != started.SessionID {
		t.Error("stopped event should carry the finalized recording")
	}

	res := h.events.expect(t, "result").result
	if res.Text != "hello there" {
		t.Errorf("text = %q, want %q", res.Text, "hello there")
	}
	if res.Note != note || res.SessionID != started.SessionID {
		t.Errorf("result = %+v", res)
	}
	h.waitState(t, StateIdle)
	if !h.src.last().isClosed() {
		t.Error("stream should be closed after stop")
	}
}

func TestStartRejectedUnlessIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.model.gate = make(chan struct{})

	first := h.startRecording(t, NoteType{ID: "a"}, 1)

	// Second start while recording.
	h.o.Start(NoteType{ID: "b"})
	h.mustSync(t)
	if h.src.opened() != 1 {
		t.Fatalf("source opened %d times, want 1", h.src.opened())
	}
	if snap := h.o.Snapshot(); snap.SessionID != first.SessionID || snap.Note.ID != "a" {
		t.Errorf("snapshot = %+v, want the first session", snap)
	}

	h.o.Stop()
	h.events.expect(t, "stopped")
	h.waitState(t, StateTranscribing)

	// Start and toggle while transcribing.
	h.o.Start(NoteType{ID: "c"})
	h.o.Toggle(NoteType{ID: "d"})
	h.mustSync(t)
	if h.src.opened() != 1 {
		t.Fatalf("source opened %d times while transcribing, want 1", h.src.opened())
	}
	if h.o.State() != StateTranscribing {
		t.Errorf("state = %s, want transcribing", h.o.State())
	}

	close(h.model.gate)
	h.events.expect(t, "result")
	h.waitState(t, StateIdle)

	h.startRecording(t, NoteType{ID: "e"}, 1)
	if h.src.opened() != 2 {
		t.Errorf("source opened %d times, want 2", h.src.opened())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)

	// Stop while idle does nothing.
	h.o.Stop()
	h.mustSync(t)
	h.events.quiet(t, 20*time.Millisecond)

	h.startRecording(t, NoteType{}, 2)
	h.o.Stop()
	h.o.Stop()
	h.events.expect(t, "stopped")
	h.events.expect(t, "result")
	h.waitState(t, StateIdle)
	h.o.Stop()
	h.mustSync(t)
	h.events.quiet(t, 50*time.Millisecond)
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.o.Toggle(NoteType{ID: "t"}); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	h.events.expect(t, "started")
	h.src.last().push(make([]float32, testFormat.BlockSize))
	h.o.Toggle(NoteType{})
	h.events.expect(t, "stopped")
	h.events.expect(t, "result")
}

func TestWatchdogBoundary(t *testing.T) {
	const limit = 5 * time.Second

	t.Run("exactly max duration is force-stopped", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.config.max = limit
		h.startRecording(t, NoteType{}, 1)

		at := h.t0.Add(limit)
		h.clock.Set(at)
		h.o.tick(at)
		stopped := h.events.expect(t, "stopped").info
		if stopped.Reason != StopTimeout {
			t.Errorf("reason = %s, want timeout", stopped.Reason)
		}
		if got := stopped.StoppedAt.Sub(stopped.StartedAt); got != limit {
			t.Errorf("stopped after %s, want %s", got, limit)
		}
		h.events.expect(t, "result")
	})

	t.Run("manual stop just before max is never forced", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.config.max = limit
		h.startRecording(t, NoteType{}, 1)

		before := h.t0.Add(limit - time.Millisecond)
		h.clock.Set(before)
		h.o.tick(before)
		h.mustSync(t)
		if h.o.State() != StateRecording {
			t.Fatalf("state = %s before max, want recording", h.o.State())
		}

		h.o.Stop()
		for _, d := range []time.Duration{limit, limit + time.Second, 2 * limit} {
			h.o.tick(h.t0.Add(d))
		}
		stopped := h.events.expect(t, "stopped").info
		if stopped.Reason != StopManual {
			t.Errorf("reason = %s, want manual", stopped.Reason)
		}
		h.events.expect(t, "result")
		h.events.quiet(t, 50*time.Millisecond)
	})

	t.Run("margin extends the limit", func(t *testing.T) {
		h := newHarness(t, nil, func(o *Options) { o.WatchdogMargin = 2 * time.Second })
		h.config.max = limit
		h.startRecording(t, NoteType{}, 1)

		h.o.tick(h.t0.Add(limit))
		h.mustSync(t)
		if h.o.State() != StateRecording {
			t.Fatalf("state = %s within margin, want recording", h.o.State())
		}
		h.o.tick(h.t0.Add(limit + 2*time.Second))
		if e := h.events.expect(t, "stopped"); e.info.Reason != StopTimeout {
			t.Errorf("reason = %s, want timeout", e.info.Reason)
		}
	})
}

func TestWatchdogStopsHeldRecording(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.config.max = 5 * time.Second
	h.startRecording(t, NoteType{}, 1)

	// The button is held for seven seconds; ticks arrive once a second.
	var stoppedAt time.Duration
	for s := 1; s <= 7; s++ {
		now := h.t0.Add(time.Duration(s) * time.Second)
		h.clock.Set(now)
		h.o.tick(now)
		h.mustSync(t)
		if stoppedAt == 0 && h.o.State() != StateRecording {
			stoppedAt = time.Duration(s) * time.Second
		}
	}
	h.o.Stop()

	if stoppedAt != 5*time.Second {
		t.Errorf("watchdog stopped the recording at %s, want 5s", stoppedAt)
	}
	if e := h.events.expect(t, "stopped"); e.info.Reason != StopTimeout {
		t.Errorf("reason = %s, want timeout", e.info.Reason)
	}
	h.events.expect(t, "result")
}

func TestModelLoadFailsTwiceThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	var h *harness
	loader := transcribe.LoaderFunc(func(ctx context.Context, name string) (transcribe.Model, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("checkpoint missing")
		}
		return h.model, nil
	})
	h = newHarness(t, loader, nil)

	for i := 0; i < 2; i++ {
		h.startRecording(t, NoteType{}, 1)
		h.o.Stop()
		h.events.expect(t, "stopped")
		f := h.events.expect(t, "error").failure
		if f.Kind != KindModelLoadFailed {
			t.Fatalf("attempt %d kind = %s, want %s", i+1, f.Kind, KindModelLoadFailed)
		}
		h.waitState(t, StateIdle)
	}

	h.startRecording(t, NoteType{}, 1)
	h.o.Stop()
	h.events.expect(t, "stopped")
	if res := h.events.expect(t, "result").result; res.Text != "hello there" {
		t.Errorf("text = %q", res.Text)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("load attempts = %d, want 3", got)
	}
}

func TestSubmitWaitsForBusyRunner(t *testing.T) {
	h := newHarness(t, nil, nil)

	// Occupy the runner with a job the engine does not own.
	gate := make(chan struct{})
	other, err := h.runner.Submit(&capture.Recording{
		SessionID: "elsewhere",
		Samples:   make([]float32, 16),
		Format:    testFormat,
	}, &stubModel{gate: gate})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	h.startRecording(t, NoteType{}, 1)
	h.o.Stop()
	h.events.expect(t, "stopped")
	h.events.quiet(t, 50*time.Millisecond)
	if h.o.State() != StateTranscribing {
		t.Fatalf("state = %s while runner busy, want transcribing", h.o.State())
	}

	close(gate)
	if res := h.events.expect(t, "result").result; res.Text != "hello there" {
		t.Errorf("text = %q", res.Text)
	}
	h.waitState(t, StateIdle)
	if st := other.Status(); st != transcribe.JobSucceeded {
		t.Errorf("occupying job status = %v, want succeeded", st)
	}
}

func TestStuckJobDoesNotWedgeNextSession(t *testing.T) {
	stuck := &stuckModel{release: make(chan struct{})}
	var h *harness
	loader := transcribe.LoaderFunc(func(ctx context.Context, name string) (transcribe.Model, error) {
		if name == "stuck" {
			return stuck, nil
		}
		return h.model, nil
	})
	h = newHarness(t, loader, func(o *Options) { o.JobTimeout = 10 * time.Second })
	release := sync.OnceFunc(func() { close(stuck.release) })
	t.Cleanup(release)
	h.config.setModel("stuck")

	h.startRecording(t, NoteType{}, 1)
	h.o.Stop()
	h.events.expect(t, "stopped")
	deadline := time.Now().Add(5 * time.Second)
	for stuck.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stuck model never called")
		}
		time.Sleep(time.Millisecond)
	}

	h.o.tick(h.t0.Add(11 * time.Second))
	if f := h.events.expect(t, "error").failure; f.Kind != KindWorkerTimeout {
		t.Fatalf("first failure kind = %s, want %s", f.Kind, KindWorkerTimeout)
	}
	h.waitState(t, StateIdle)

	// The abandoned job still holds the runner. The next session waits for
	// it instead of failing.
	h.config.setModel("base")
	h.startRecording(t, NoteType{}, 1)
	h.o.Stop()
	h.events.expect(t, "stopped")
	h.events.quiet(t, 50*time.Millisecond)
	if h.o.State() != StateTranscribing {
		t.Fatalf("state = %s behind a stuck job, want transcribing", h.o.State())
	}

	release()
	if res := h.events.expect(t, "result").result; res.Text != "hello there" {
		t.Errorf("text = %q, want the second session's transcript", res.Text)
	}
	h.waitState(t, StateIdle)
}

func TestBusyRunnerBoundedByJobTimeout(t *testing.T) {
	stuck := &stuckModel{release: make(chan struct{})}
	h := newHarness(t, nil, func(o *Options) { o.JobTimeout = 10 * time.Second })
	// Runs before the runner is stopped.
	t.Cleanup(func() { close(stuck.release) })

	if _, err := h.runner.Submit(&capture.Recording{
		SessionID: "elsewhere",
		Samples:   make([]float32, 16),
		Format:    testFormat,
	}, stuck); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	h.startRecording(t, NoteType{}, 1)
	h.o.Stop()
	h.events.expect(t, "stopped")
	h.mustSync(t)

	h.o.tick(h.t0.Add(10 * time.Second))
	f := h.events.expect(t, "error").failure
	if f.Kind != KindWorkerTimeout {
		t.Errorf("kind = %s, want %s", f.Kind, KindWorkerTimeout)
	}
	h.waitState(t, StateIdle)
}

func TestWorkerTimeout(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.JobTimeout = 10 * time.Second })
	h.model.gate = make(chan struct{})

	h.startRecording(t, NoteType{}, 1)
	stopAt := h.t0.Add(2 * time.Second)
	h.clock.Set(stopAt)
	h.o.Stop()
	h.events.expect(t, "stopped")

	// Wait for the job to reach the runner before the deadline passes.
	deadline := time.Now().Add(5 * time.Second)
	for h.runner.Active() == nil {
		if time.Now().After(deadline) {
			t.Fatal("job never submitted")
		}
		time.Sleep(time.Millisecond)
	}
	job := h.runner.Active()

	h.o.tick(stopAt.Add(9 * time.Second))
	h.mustSync(t)
	if h.o.State() != StateTranscribing {
		t.Fatalf("state = %s before job timeout, want transcribing", h.o.State())
	}

	h.o.tick(stopAt.Add(10 * time.Second))
	f := h.events.expect(t, "error").failure
	if f.Kind != KindWorkerTimeout {
		t.Errorf("kind = %s, want %s", f.Kind, KindWorkerTimeout)
	}
	h.waitState(t, StateIdle)

	// The cancelled job's late result is dropped.
	select {
	case res := <-h.completed:
		if res.JobID != job.ID() {
			t.Fatalf("completed job = %s, want %s", res.JobID, job.ID())
		}
		if !errors.Is(res.Err, transcribe.ErrCancelled) {
			t.Errorf("job err = %v, want ErrCancelled", res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job never finished")
	}
	if st := job.Status(); st != transcribe.JobFailed {
		t.Errorf("job status = %v, want failed", st)
	}
	h.mustSync(t)
	h.events.quiet(t, 50*time.Millisecond)
}

func TestCaptureOverflowReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRecording(t, NoteType{}, 1)

	live := h.o.live.Load()
	if live == nil {
		t.Fatal("no live session")
	}
	live.session.Abort(capture.ErrOverflow)

	stopped := h.events.expect(t, "stopped").info
	if stopped.Reason != StopFailed {
		t.Errorf("reason = %s, want failed", stopped.Reason)
	}
	if f := h.events.expect(t, "error").failure; f.Kind != KindOverflow {
		t.Errorf("kind = %s, want %s", f.Kind, KindOverflow)
	}
	h.waitState(t, StateIdle)

	deadline := time.Now().Add(5 * time.Second)
	for !h.src.last().isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("stream not closed after overflow")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeviceFailures(t *testing.T) {
	tests := []struct {
		name     string
		openErr  error
		startErr error
		want     ErrorKind
	}{
		{"no input channels", audio.ErrNoInputChannels, nil, KindNoInputChannels},
		{"device missing", audio.ErrDeviceUnavailable, nil, KindDeviceUnavailable},
		{"stream start fails", nil, errors.New("host error -9996"), KindDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.src.openErr = tt.openErr
			h.src.startErr = tt.startErr

			h.o.Start(NoteType{})
			f := h.events.expect(t, "error").failure
			if f.Kind != tt.want {
				t.Errorf("kind = %s, want %s", f.Kind, tt.want)
			}
			h.mustSync(t)
			if h.o.State() != StateIdle {
				t.Errorf("state = %s, want idle", h.o.State())
			}
		})
	}
}

func TestNoAudioCaptured(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRecording(t, NoteType{}, 0)
	h.o.Stop()
	h.events.expect(t, "stopped")
	if f := h.events.expect(t, "error").failure; f.Kind != KindNoAudioCaptured {
		t.Errorf("kind = %s, want %s", f.Kind, KindNoAudioCaptured)
	}
	h.waitState(t, StateIdle)
}

func TestTranscriptionFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.model.err = errors.New("decoder crashed")

	h.startRecording(t, NoteType{}, 1)
	h.o.Stop()
	h.events.expect(t, "stopped")
	if f := h.events.expect(t, "error").failure; f.Kind != KindTranscriptionFailed {
		t.Errorf("kind = %s, want %s", f.Kind, KindTranscriptionFailed)
	}
	h.waitState(t, StateIdle)
}

func TestQuietRecordingIsTagged(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.o.Start(NoteType{})
	h.events.expect(t, "started")
	h.src.last().push(make([]float32, testFormat.BlockSize))
	h.o.Stop()

	if info := h.events.expect(t, "stopped").info; !info.LikelySilent {
		t.Error("silent recording should be tagged likely_silent")
	}
	if res := h.events.expect(t, "result").result; !res.LikelySilent {
		t.Error("result should carry likely_silent")
	}
}

func TestConfigReadPerSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	info := h.startRecording(t, NoteType{}, 1)
	h.config.setModel("small")
	if info.Model != "base" {
		t.Errorf("first session model = %q, want base", info.Model)
	}
	h.o.Stop()
	h.events.expect(t, "stopped")
	h.events.expect(t, "result")
	h.waitState(t, StateIdle)

	if info := h.startRecording(t, NoteType{}, 1); info.Model != "small" {
		t.Errorf("second session model = %q, want small", info.Model)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil)
	if snap := h.o.Snapshot(); snap.State != "idle" || snap.SessionID != "" {
		t.Errorf("idle snapshot = %+v", snap)
	}

	info := h.startRecording(t, NoteType{ID: "memo"}, 1)
	h.clock.Set(h.t0.Add(1500 * time.Millisecond))
	snap := h.o.Snapshot()
	if snap.State != "recording" || snap.SessionID != info.SessionID || snap.Note.ID != "memo" {
		t.Errorf("recording snapshot = %+v", snap)
	}
	if snap.Elapsed != 1.5 {
		t.Errorf("elapsed = %v, want 1.5", snap.Elapsed)
	}
	if snap.MaxDuration != (15 * time.Minute).Seconds() {
		t.Errorf("max duration = %v", snap.MaxDuration)
	}
}

func TestTrigger(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.o.Trigger("start_recording", NoteType{ID: "x"}); err != nil {
		t.Fatalf("Trigger start: %v", err)
	}
	if e := h.events.expect(t, "started"); e.info.Note.ID != "x" {
		t.Errorf("note = %+v", e.info.Note)
	}
	h.src.last().push(make([]float32, testFormat.BlockSize))
	if err := h.o.Trigger("STOP_RECORDING", NoteType{}); err != nil {
		t.Fatalf("Trigger stop: %v", err)
	}
	h.events.expect(t, "stopped")

	if err := h.o.Trigger("rewind", NoteType{}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
}

func TestCloseAbandonsRecording(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRecording(t, NoteType{}, 1)
	stream := h.src.last()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stream.isClosed() {
		t.Error("Close should close the open stream")
	}
	if h.o.State() != StateIdle {
		t.Errorf("state after Close = %s, want idle", h.o.State())
	}
	if err := h.o.Start(NoteType{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
	// A second Close is harmless.
	if err := h.o.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSlowDeviceOpenKeepsActorResponsive(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.src.gate = make(chan struct{})

	h.o.Start(NoteType{ID: "slow"})
	synced := make(chan error, 1)
	go func() { synced <- h.o.sync() }()
	select {
	case err := <-synced:
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("actor blocked behind device open")
	}

	// A second start while the first is opening is rejected; a stop is
	// remembered and applied once the stream is up.
	h.o.Start(NoteType{ID: "other"})
	h.o.Stop()
	h.mustSync(t)
	h.events.quiet(t, 20*time.Millisecond)

	close(h.src.gate)
	if e := h.events.expect(t, "started"); e.info.Note.ID != "slow" {
		t.Errorf("started note = %q, want slow", e.info.Note.ID)
	}
	if e := h.events.expect(t, "stopped"); e.info.Reason != StopManual {
		t.Errorf("reason = %s, want manual", e.info.Reason)
	}
	if f := h.events.expect(t, "error").failure; f.Kind != KindNoAudioCaptured {
		t.Errorf("kind = %s, want %s", f.Kind, KindNoAudioCaptured)
	}
	h.waitState(t, StateIdle)
	if h.src.opened() != 1 {
		t.Errorf("source opened %d times, want 1", h.src.opened())
	}
}

func TestCloseDuringDeviceOpen(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.src.gate = make(chan struct{})

	h.o.Start(NoteType{})
	h.mustSync(t)

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closed <- h.o.Close(ctx)
	}()
	close(h.src.gate)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.src.opened() == 1 && !h.src.last().isClosed() {
		t.Error("stream opened during Close was left open")
	}
	if h.o.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.o.State())
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Log: zerolog.Nop()}); err == nil {
		t.Error("New without collaborators should fail")
	}
}
