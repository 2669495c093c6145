package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/audio"
	"github.com/snarg/whisper-notes/internal/capture"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

// ModelSource hands out models without blocking the caller.
type ModelSource interface {
	GetOrLoad(name string) <-chan transcribe.LoadResult
}

// JobRunner accepts finalized recordings for transcription.
type JobRunner interface {
	Submit(rec *capture.Recording, model transcribe.Model) (*transcribe.Job, error)
}

// Options configures an Orchestrator.
type Options struct {
	Source   audio.Source
	Format   audio.Format
	Config   ConfigProvider
	Models   ModelSource
	Runner   JobRunner
	Listener Listener

	QueueDuration    time.Duration // audio buffered between callback and drain
	SilenceThreshold float32
	DrainTimeout     time.Duration
	JobTimeout       time.Duration // stop-to-result limit; 0 disables
	WatchdogInterval time.Duration
	WatchdogMargin   time.Duration
	SubmitRetry      time.Duration // wait between submits while the runner is busy

	// Now overrides the clock used for elapsed-time checks.
	Now func() time.Time

	Log zerolog.Logger
}

// Orchestrator owns the recording lifecycle. It is safe for concurrent use.
type Orchestrator struct {
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
	notify *notifier

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32
	live  atomic.Pointer[liveSession]

	closeOnce sync.Once
	closeErr  error

	// Owned by the actor goroutine.
	cur     *activeSession
	opening *pendingStart
}

// pendingStart is a session whose stream is being opened off the actor.
type pendingStart struct {
	session       *capture.Session
	note          NoteType
	model         string
	maxDuration   time.Duration
	stopRequested bool
}

type liveSession struct {
	session     *capture.Session
	note        NoteType
	model       string
	startedAt   time.Time
	maxDuration time.Duration
}

type activeSession struct {
	session     *capture.Session
	stream      audio.Stream
	note        NoteType
	model       string
	startedAt   time.Time
	maxDuration time.Duration
	stopAt      time.Time // entered Transcribing
	reason      StopReason
	rec         *capture.Recording
	loaded      transcribe.Model // set while waiting for a free runner
	job         *transcribe.Job
	stopWatch   chan struct{}
}

func (a *activeSession) info() SessionInfo {
	info := SessionInfo{
		SessionID:   a.session.ID(),
		Note:        a.note,
		Model:       a.model,
		StartedAt:   a.startedAt,
		StoppedAt:   a.stopAt,
		MaxDuration: a.maxDuration,
		Reason:      a.reason,
	}
	if a.rec != nil {
		info.AudioDuration = a.rec.Duration()
		info.Samples = len(a.rec.Samples)
		info.Peak = a.rec.Peak
		info.LikelySilent = a.rec.LikelySilent
		info.Recording = a.rec
	}
	return info
}

// Actor messages.
type (
	startCmd  struct{ note NoteType }
	stopCmd   struct{}
	toggleCmd struct{ note NoteType }
	syncCmd   struct{ done chan struct{} }
	tickEvent struct{ now time.Time }

	streamOpened struct {
		session *capture.Session
		stream  audio.Stream
		err     error
	}
	captureFailed struct {
		session *capture.Session
		err     error
	}
	finalized struct {
		session *capture.Session
		rec     *capture.Recording
		err     error
	}
	modelReady struct {
		session *capture.Session
		res     transcribe.LoadResult
	}
	retrySubmit struct{ session *capture.Session }
	jobDone     struct {
		session *capture.Session
		res     transcribe.JobResult
	}
)

const (
	defaultQueueDuration    = 10 * time.Second
	defaultDrainTimeout     = 2 * time.Second
	defaultWatchdogInterval = time.Second
	defaultSubmitRetry      = 250 * time.Millisecond
)

// New validates opts and starts the actor and watchdog goroutines.
func New(opts Options) (*Orchestrator, error) {
	if opts.Source == nil || opts.Config == nil || opts.Models == nil || opts.Runner == nil {
		return nil, errors.New("orchestrator: source, config, models and runner are required")
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if opts.QueueDuration <= 0 {
		opts.QueueDuration = defaultQueueDuration
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = defaultWatchdogInterval
	}
	if opts.SubmitRetry <= 0 {
		opts.SubmitRetry = defaultSubmitRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var l Listener = Listeners(nil)
	if opts.Listener != nil {
		l = opts.Listener
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:   opts,
		log:    opts.Log.With().Str("component", "engine").Logger(),
		now:    opts.Now,
		notify: newNotifier(l),
		inbox:  make(chan any, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	o.wg.Add(2)
	go o.run()
	go o.watchdog()

	o.log.Info().
		Str("source", opts.Source.Name()).
		Int("sample_rate", opts.Format.SampleRate).
		Int("channels", opts.Format.Channels).
		Int("block_size", opts.Format.BlockSize).
		Dur("watchdog_interval", opts.WatchdogInterval).
		Msg("orchestrator started")
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Snapshot returns the state plus live session details.
func (o *Orchestrator) Snapshot() Snapshot {
	st := o.State()
	snap := Snapshot{State: st.String()}
	ls := o.live.Load()
	if ls == nil {
		return snap
	}
	snap.SessionID = ls.session.ID()
	snap.Note = ls.note
	snap.Model = ls.model
	snap.MaxDuration = ls.maxDuration.Seconds()
	if st == StateRecording {
		snap.Level = ls.session.Level()
		snap.Elapsed = o.now().Sub(ls.startedAt).Seconds()
	}
	return snap
}

// Start requests a new recording. It is rejected unless the engine is idle.
func (o *Orchestrator) Start(note NoteType) error { return o.post(startCmd{note: note}) }

// Stop ends the current recording. It is a no-op unless recording.
func (o *Orchestrator) Stop() error { return o.post(stopCmd{}) }

// Toggle starts when idle and stops when recording.
func (o *Orchestrator) Toggle(note NoteType) error { return o.post(toggleCmd{note: note}) }

// Trigger dispatches a named action: start_recording, stop_recording or toggle.
func (o *Orchestrator) Trigger(action string, note NoteType) error {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "start_recording", "start":
		return o.Start(note)
	case "stop_recording", "stop":
		return o.Stop()
	case "toggle", "toggle_recording":
		return o.Toggle(note)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Close cancels any recording or job in progress and waits for every
// goroutine the orchestrator started, or until ctx is done.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.cancel()

		joined := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-ctx.Done():
			o.closeErr = fmt.Errorf("orchestrator close: %w", ctx.Err())
			return
		}
		if err := o.notify.close(ctx); err != nil {
			o.closeErr = fmt.Errorf("orchestrator close: listeners: %w", err)
			return
		}
		o.log.Info().Msg("orchestrator stopped")
	})
	return o.closeErr
}

func (o *Orchestrator) post(msg any) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case o.inbox <- msg:
		return nil
	case <-o.ctx.Done():
		return ErrClosed
	}
}

// spawn runs fn on a helper goroutine joined by Close.
func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			o.shutdown()
			o.drain()
			return
		case msg := <-o.inbox:
			o.handle(msg)
		}
	}
}

func (o *Orchestrator) handle(msg any) {
	switch m := msg.(type) {
	case startCmd:
		o.handleStart(m.note)
	case stopCmd:
		o.handleStop()
	case toggleCmd:
		switch st := o.State(); {
		case o.opening != nil, st == StateRecording:
			o.handleStop()
		case st == StateIdle:
			o.handleStart(m.note)
		default:
			o.log.Info().Str("state", st.String()).Msg("toggle ignored while transcribing")
		}
	case syncCmd:
		close(m.done)
	case tickEvent:
		o.handleTick(m.now)
	case streamOpened:
		o.handleStreamOpened(m)
	case captureFailed:
		o.handleCaptureFailed(m)
	case finalized:
		o.handleFinalized(m)
	case modelReady:
		o.handleModelReady(m)
	case retrySubmit:
		if o.current(m.session) && o.cur.job == nil && o.cur.loaded != nil {
			o.submit(o.cur)
		}
	case jobDone:
		o.handleJobDone(m)
	}
}

func (o *Orchestrator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	if prev != s {
		o.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state change")
	}
}

// current reports whether s belongs to the session in progress. Events from
// abandoned sessions are dropped.
func (o *Orchestrator) current(s *capture.Session) bool {
	return o.cur != nil && o.cur.session == s
}

func (o *Orchestrator) handleStart(note NoteType) {
	if st := o.State(); st != StateIdle || o.opening != nil {
		o.log.Warn().Str("state", st.String()).Bool("opening", o.opening != nil).Msg("start rejected, engine busy")
		return
	}

	maxDur := o.opts.Config.MaxRecordingDuration()
	model := o.opts.Config.ModelName()
	queueBlocks := int(o.opts.QueueDuration / o.opts.Format.BlockDuration())
	if queueBlocks < 1 {
		queueBlocks = 1
	}

	sess, err := capture.New(capture.Options{
		Format:           o.opts.Format,
		MaxDuration:      maxDur,
		QueueBlocks:      queueBlocks,
		SilenceThreshold: o.opts.SilenceThreshold,
		Log:              o.log.With().Str("component", "capture").Logger(),
	})
	if err != nil {
		o.log.Error().Err(err).Msg("create capture session")
		o.notify.failure(newFailure("", err))
		return
	}

	o.opening = &pendingStart{session: sess, note: note, model: model, maxDuration: maxDur}

	// Opening a device can block for a long time; keep the actor free.
	src, format := o.opts.Source, o.opts.Format
	o.spawn(func() {
		stream, err := openStream(src, format, sess)
		if perr := o.post(streamOpened{session: sess, stream: stream, err: err}); perr != nil || o.ctx.Err() != nil {
			if stream != nil {
				stream.Close()
			}
			sess.Abort(ErrClosed)
		}
	})
}

// openStream opens and starts a stream feeding sess. On error nothing is left open.
func openStream(src audio.Source, format audio.Format, sess *capture.Session) (audio.Stream, error) {
	stream, err := src.Open(format, sess.Callback)
	if err != nil {
		return nil, err
	}
	sess.Start()
	if err := stream.Start(); err != nil {
		stream.Close()
		if !errors.Is(err, audio.ErrDeviceUnavailable) && !errors.Is(err, audio.ErrNoInputChannels) {
			err = fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
		return nil, err
	}
	return stream, nil
}

func (o *Orchestrator) handleStreamOpened(m streamOpened) {
	p := o.opening
	if p == nil || p.session != m.session {
		if m.stream != nil {
			stream := m.stream
			o.spawn(func() { stream.Close() })
		}
		m.session.Abort(ErrClosed)
		return
	}
	o.opening = nil

	sess := m.session
	if m.err != nil {
		sess.Abort(m.err)
		o.log.Error().Err(m.err).Str("source", o.opts.Source.Name()).Msg("open audio stream")
		o.notify.failure(newFailure(sess.ID(), m.err))
		return
	}

	a := &activeSession{
		session:     sess,
		stream:      m.stream,
		note:        p.note,
		model:       p.model,
		startedAt:   o.now(),
		maxDuration: p.maxDuration,
		stopWatch:   make(chan struct{}),
	}
	o.cur = a
	o.live.Store(&liveSession{
		session:     sess,
		note:        p.note,
		model:       p.model,
		startedAt:   a.startedAt,
		maxDuration: p.maxDuration,
	})
	o.setState(StateRecording)

	o.spawn(func() {
		select {
		case <-sess.Failed():
			o.post(captureFailed{session: sess, err: sess.Err()})
		case <-a.stopWatch:
		case <-o.ctx.Done():
		}
	})

	o.log.Info().
		Str("session", sess.ID()).
		Str("note_type", p.note.ID).
		Str("model", p.model).
		Dur("max_duration", p.maxDuration).
		Msg("recording started")
	o.notify.started(a.info())

	if p.stopRequested {
		o.beginStop(StopManual)
	}
}

func (o *Orchestrator) handleStop() {
	if o.opening != nil {
		o.opening.stopRequested = true
		o.log.Debug().Str("session", o.opening.session.ID()).Msg("stop deferred until the stream is open")
		return
	}
	if o.State() != StateRecording {
		o.log.Debug().Str("state", o.State().String()).Msg("stop ignored, not recording")
		return
	}
	o.beginStop(StopManual)
}

// beginStop moves to Transcribing and finalizes the session off the actor.
func (o *Orchestrator) beginStop(reason StopReason) {
	a := o.cur
	a.reason = reason
	a.stopAt = o.now()
	close(a.stopWatch)
	o.setState(StateTranscribing)

	o.log.Info().
		Str("session", a.session.ID()).
		Str("reason", string(reason)).
		Dur("elapsed", a.stopAt.Sub(a.startedAt)).
		Msg("recording stopped")

	sess, stream, timeout := a.session, a.stream, o.opts.DrainTimeout
	o.spawn(func() {
		if err := stream.Close(); err != nil {
			o.log.Warn().Err(err).Str("session", sess.ID()).Msg("close audio stream")
		}
		ctx, cancel := context.WithTimeout(o.ctx, timeout)
		defer cancel()
		rec, err := sess.Finalize(ctx)
		o.post(finalized{session: sess, rec: rec, err: err})
	})
}

func (o *Orchestrator) handleTick(now time.Time) {
	a := o.cur
	if a == nil {
		return
	}
	switch o.State() {
	case StateRecording:
		if a.maxDuration > 0 && now.Sub(a.startedAt) >= a.maxDuration+o.opts.WatchdogMargin {
			o.log.Warn().
				Str("session", a.session.ID()).
				Dur("max_duration", a.maxDuration).
				Msg("maximum recording duration reached, stopping")
			o.beginStop(StopTimeout)
		}
	case StateTranscribing:
		if o.opts.JobTimeout > 0 && now.Sub(a.stopAt) >= o.opts.JobTimeout {
			if a.job != nil {
				a.job.Cancel()
			}
			err := fmt.Errorf("%w after %s", ErrWorkerTimeout, o.opts.JobTimeout)
			a.session.Abort(err)
			o.log.Error().Str("session", a.session.ID()).Err(err).Msg("transcription watchdog fired")
			o.finish(err)
		}
	}
}

func (o *Orchestrator) handleCaptureFailed(m captureFailed) {
	if !o.current(m.session) || o.State() != StateRecording {
		return
	}
	a := o.cur
	a.reason = StopFailed
	a.stopAt = o.now()
	close(a.stopWatch)

	stream := a.stream
	o.spawn(func() { stream.Close() })
	m.session.Abort(m.err)

	o.log.Error().Err(m.err).Str("session", m.session.ID()).Msg("capture failed")
	o.notify.stopped(a.info())
	o.finish(m.err)
}

func (o *Orchestrator) handleFinalized(m finalized) {
	if !o.current(m.session) {
		return
	}
	a := o.cur
	if m.err != nil {
		o.log.Warn().Err(m.err).Str("session", a.session.ID()).Msg("finalize failed")
		o.notify.stopped(a.info())
		o.finish(m.err)
		return
	}
	a.rec = m.rec
	a.session.MarkTranscribing()
	o.notify.stopped(a.info())

	sess, results := a.session, o.opts.Models.GetOrLoad(a.model)
	o.spawn(func() {
		select {
		case res := <-results:
			o.post(modelReady{session: sess, res: res})
		case <-o.ctx.Done():
		}
	})
}

func (o *Orchestrator) handleModelReady(m modelReady) {
	if !o.current(m.session) {
		return
	}
	a := o.cur
	if m.res.Err != nil {
		a.session.Abort(m.res.Err)
		o.finish(m.res.Err)
		return
	}

	a.loaded = m.res.Model
	o.submit(a)
}

// submit hands the recording to the runner. A runner still held by an
// abandoned job is waited out; the job timeout bounds the wait.
func (o *Orchestrator) submit(a *activeSession) {
	job, err := o.opts.Runner.Submit(a.rec, a.loaded)
	if errors.Is(err, transcribe.ErrBusy) {
		o.log.Debug().Str("session", a.session.ID()).Msg("runner busy, retrying submit")
		sess, wait := a.session, o.opts.SubmitRetry
		o.spawn(func() {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
				o.post(retrySubmit{session: sess})
			case <-o.ctx.Done():
			}
		})
		return
	}
	if err != nil {
		a.session.Abort(err)
		o.finish(err)
		return
	}
	a.job = job
	a.loaded = nil
	o.log.Debug().Str("session", a.session.ID()).Str("job", job.ID()).Msg("transcription submitted")

	sess := a.session
	o.spawn(func() {
		select {
		case res := <-job.Done():
			o.post(jobDone{session: sess, res: res})
		case <-o.ctx.Done():
		}
	})
}

func (o *Orchestrator) handleJobDone(m jobDone) {
	if !o.current(m.session) {
		o.log.Debug().Str("session", m.res.SessionID).Msg("dropping result of abandoned session")
		return
	}
	a := o.cur
	if m.res.Err != nil {
		a.session.Abort(m.res.Err)
		o.finish(m.res.Err)
		return
	}

	a.session.MarkDone()
	res := Result{
		SessionID:     a.session.ID(),
		JobID:         m.res.JobID,
		Note:          a.note,
		Model:         m.res.Model,
		Text:          m.res.Text,
		Language:      m.res.Language,
		StartedAt:     a.startedAt,
		AudioDuration: a.rec.Duration(),
		Elapsed:       m.res.Elapsed,
		Chunks:        m.res.Chunks,
		LikelySilent:  a.rec.LikelySilent,
	}
	o.log.Info().
		Str("session", res.SessionID).
		Int("chars", len(res.Text)).
		Dur("elapsed", res.Elapsed).
		Msg("transcription complete")
	o.notify.result(res)
	o.finish(nil)
}

// finish returns to Idle and reports err, if any.
func (o *Orchestrator) finish(err error) {
	a := o.cur
	o.cur = nil
	o.live.Store(nil)
	o.setState(StateIdle)
	if err != nil {
		id := ""
		if a != nil {
			id = a.session.ID()
		}
		o.notify.failure(newFailure(id, err))
	}
}

// drain releases streams opened after shutdown whose events were never handled.
func (o *Orchestrator) drain() {
	for {
		select {
		case msg := <-o.inbox:
			if m, ok := msg.(streamOpened); ok && m.stream != nil {
				m.stream.Close()
				m.session.Abort(ErrClosed)
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) shutdown() {
	if p := o.opening; p != nil {
		o.opening = nil
		p.session.Abort(ErrClosed)
		o.log.Info().Str("session", p.session.ID()).Msg("pending start abandoned on shutdown")
	}
	a := o.cur
	if a == nil {
		return
	}
	if a.job != nil {
		a.job.Cancel()
	}
	if o.State() == StateRecording {
		close(a.stopWatch)
		stream := a.stream
		o.spawn(func() { stream.Close() })
	}
	a.session.Abort(ErrClosed)
	o.cur = nil
	o.live.Store(nil)
	o.setState(StateIdle)
	o.log.Info().Str("session", a.session.ID()).Msg("session abandoned on shutdown")
}
