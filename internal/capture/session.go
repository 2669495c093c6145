package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/audio"
)

var (
	// ErrOverflow means the drain fell behind and a block could not be queued.
	ErrOverflow = errors.New("audio queue overflow")
	// ErrNoAudioCaptured means the session ended without a single block.
	ErrNoAudioCaptured = errors.New("no audio captured")
	// ErrDrainTimeout means the drain goroutine did not finish within the finalize deadline.
	ErrDrainTimeout = errors.New("audio drain timed out")
	// ErrNotRecording is returned by Finalize when the session already left Recording.
	ErrNotRecording = errors.New("session is not recording")
)

// DefaultSilenceThreshold is the peak amplitude under which a recording is
// tagged as likely silent.
const DefaultSilenceThreshold = 0.001

// State is the lifecycle stage of a capture session.
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateTranscribing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateTranscribing:
		return "transcribing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a capture session.
type Options struct {
	Format           audio.Format
	MaxDuration      time.Duration
	QueueBlocks      int     // bounded queue between callback and drain
	SilenceThreshold float32 // 0 = DefaultSilenceThreshold
	Log              zerolog.Logger
}

// Recording is the immutable result of a finalized session.
type Recording struct {
	SessionID       string
	Samples         []float32 // interleaved
	Format          audio.Format
	StartedAt       time.Time
	Blocks          int
	Peak            float32
	LikelySilent    bool
	DeviceOverflows int64
}

// Duration is the audio length of the recording.
func (r *Recording) Duration() time.Duration {
	frames := len(r.Samples) / r.Format.Channels
	return time.Duration(frames) * time.Second / time.Duration(r.Format.SampleRate)
}

// Session owns one recording's frame buffer. The audio callback pushes into
// a bounded channel; a drain goroutine appends to the frame list. The frame
// list is touched only by the drain goroutine until Finalize hands it over.
type Session struct {
	id          string
	format      audio.Format
	maxDuration time.Duration
	threshold   float32
	log         zerolog.Logger

	state     atomic.Int32
	startedAt time.Time

	queue   chan []float32
	stop    chan struct{}
	drained chan struct{}

	frames [][]float32

	failed   chan struct{}
	failOnce sync.Once
	failErr  error

	startOnce sync.Once
	stopOnce  sync.Once

	blocks          atomic.Int64
	deviceOverflows atomic.Int64
	level           atomic.Uint32 // float32 bits of the last block's RMS
}

// New creates a session in the Idle state.
func New(opts Options) (*Session, error) {
	if err := opts.Format.Validate(); err != nil {
		return nil, err
	}
	if opts.QueueBlocks <= 0 {
		return nil, fmt.Errorf("invalid queue size %d", opts.QueueBlocks)
	}
	threshold := opts.SilenceThreshold
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	id := uuid.NewString()
	return &Session{
		id:          id,
		format:      opts.Format,
		maxDuration: opts.MaxDuration,
		threshold:   threshold,
		log:         opts.Log.With().Str("session", id).Logger(),
		queue:       make(chan []float32, opts.QueueBlocks),
		stop:        make(chan struct{}),
		drained:     make(chan struct{}),
		failed:      make(chan struct{}),
	}, nil
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Format() audio.Format       { return s.format }
func (s *Session) MaxDuration() time.Duration { return s.maxDuration }
func (s *Session) StartedAt() time.Time       { return s.startedAt }
func (s *Session) State() State               { return State(s.state.Load()) }

// Blocks returns how many blocks the callback has queued so far.
func (s *Session) Blocks() int64 { return s.blocks.Load() }

// Level returns the RMS of the most recently drained block.
func (s *Session) Level() float32 { return math.Float32frombits(s.level.Load()) }

// Failed is closed when the session fails during recording (e.g. overflow).
func (s *Session) Failed() <-chan struct{} { return s.failed }

// Err returns the failure cause once Failed is closed.
func (s *Session) Err() error {
	select {
	case <-s.failed:
		return s.failErr
	default:
		return nil
	}
}

// Start moves the session to Recording and launches the drain goroutine.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.startedAt = time.Now()
		s.state.Store(int32(StateRecording))
		go s.drain()
	})
}

// Callback is the audio.Callback for this session. It never blocks: the
// block is copied and offered to the queue, and a full queue fails the
// session instead of dropping audio silently.
func (s *Session) Callback(block []float32, status audio.Status) {
	if State(s.state.Load()) != StateRecording {
		return
	}
	if status.InputOverflow {
		s.deviceOverflows.Add(1)
	}
	cp := make([]float32, len(block))
	copy(cp, block)
	select {
	case s.queue <- cp:
		s.blocks.Add(1)
	default:
		s.fail(fmt.Errorf("%w: %d blocks pending", ErrOverflow, cap(s.queue)))
	}
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		s.state.Store(int32(StateFailed))
		close(s.failed)
	})
}

func (s *Session) drain() {
	defer close(s.drained)

	var reportedOverflows int64
	for {
		select {
		case b := <-s.queue:
			s.append(b)
		case <-s.stop:
			for {
				select {
				case b := <-s.queue:
					s.append(b)
				default:
					return
				}
			}
		}
		// Device-reported overflows lose no queued data; log them here
		// rather than on the callback path.
		if n := s.deviceOverflows.Load(); n != reportedOverflows {
			s.log.Warn().Int64("device_overflows", n).Msg("input overflow reported by device")
			reportedOverflows = n
		}
	}
}

func (s *Session) append(b []float32) {
	s.frames = append(s.frames, b)
	s.level.Store(math.Float32bits(rms(b)))
}

func (s *Session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Finalize stops accepting blocks, waits for the drain goroutine (bounded by
// ctx), and concatenates the frames. The audio stream must already be closed
// so that no callback is in flight.
func (s *Session) Finalize(ctx context.Context) (*Recording, error) {
	if !s.state.CompareAndSwap(int32(StateRecording), int32(StateFinalizing)) {
		s.halt()
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotRecording
	}
	s.halt()

	select {
	case <-s.drained:
	case <-ctx.Done():
		s.fail(fmt.Errorf("%w: %v", ErrDrainTimeout, ctx.Err()))
		return nil, s.failErr
	}

	if len(s.frames) == 0 {
		s.fail(ErrNoAudioCaptured)
		return nil, ErrNoAudioCaptured
	}

	total := 0
	for _, f := range s.frames {
		total += len(f)
	}
	samples := make([]float32, 0, total)
	for _, f := range s.frames {
		samples = append(samples, f...)
	}
	blocks := len(s.frames)
	s.frames = nil

	peak := peakAbs(samples)
	rec := &Recording{
		SessionID:       s.id,
		Samples:         samples,
		Format:          s.format,
		StartedAt:       s.startedAt,
		Blocks:          blocks,
		Peak:            peak,
		LikelySilent:    peak < s.threshold,
		DeviceOverflows: s.deviceOverflows.Load(),
	}
	if rec.LikelySilent {
		s.log.Warn().Float32("peak", peak).Msg("audio signal is very quiet, possible microphone issue")
	}
	s.log.Debug().
		Int("blocks", blocks).
		Int("samples", len(samples)).
		Dur("audio", rec.Duration()).
		Msg("session finalized")
	return rec, nil
}

// MarkTranscribing records that the recording was handed to a job.
func (s *Session) MarkTranscribing() {
	s.state.CompareAndSwap(int32(StateFinalizing), int32(StateTranscribing))
}

// MarkDone records successful completion.
func (s *Session) MarkDone() {
	s.state.Store(int32(StateDone))
}

// Abort fails the session and stops its drain goroutine.
func (s *Session) Abort(err error) {
	if err == nil {
		err = errors.New("aborted")
	}
	s.fail(err)
	s.halt()
}

func peakAbs(samples []float32) float32 {
	var peak float32
	for _, v := range samples {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

func rms(block []float32) float32 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, v := range block {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(block))))
}
