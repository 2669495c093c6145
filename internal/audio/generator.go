package audio

import (
	"errors"
	"math"
	"sync"
	"time"
)

// fillFunc writes the next block into buf. It returns false once the
// generator is exhausted.
type fillFunc func(buf []float32) bool

// pacedStream drives a Callback from its own goroutine. When pace is set,
// blocks are delivered once per block period like a hardware device would.
type pacedStream struct {
	format Format
	cb     Callback
	fill   fillFunc
	pace   bool

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   bool
	mu        sync.Mutex
}

func newPacedStream(format Format, cb Callback, fill fillFunc, pace bool) *pacedStream {
	return &pacedStream{
		format: format,
		cb:     cb,
		fill:   fill,
		pace:   pace,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *pacedStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return errors.New("stream closed")
	default:
	}
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
	return nil
}

func (s *pacedStream) Close() error {
	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.stop) })
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
	return nil
}

func (s *pacedStream) run() {
	defer close(s.done)

	buf := make([]float32, s.format.BlockSamples())
	var tick <-chan time.Time
	if s.pace {
		t := time.NewTicker(s.format.BlockDuration())
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-s.stop:
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}
		if !s.fill(buf) {
			// Exhausted: idle until closed, like a device with no more input.
			<-s.stop
			return
		}
		s.cb(buf, Status{})
	}
}

// ToneSource generates a sine wave (or silence when Amplitude is 0). It stands
// in for a microphone in demos and tests.
type ToneSource struct {
	Frequency float64 // Hz
	Amplitude float32 // 0..1
	MaxBlocks int     // 0 = unlimited
	Unpaced   bool    // deliver blocks as fast as the consumer allows
}

func (t *ToneSource) Name() string { return "tone" }

func (t *ToneSource) Open(format Format, cb Callback) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errors.New("nil callback")
	}
	freq := t.Frequency
	if freq <= 0 {
		freq = 440
	}
	amp := t.Amplitude
	limit := t.MaxBlocks

	var phase float64
	step := 2 * math.Pi * freq / float64(format.SampleRate)
	blocks := 0
	fill := func(buf []float32) bool {
		if limit > 0 && blocks >= limit {
			return false
		}
		blocks++
		for i := 0; i < format.BlockSize; i++ {
			v := amp * float32(math.Sin(phase))
			phase += step
			for c := 0; c < format.Channels; c++ {
				buf[i*format.Channels+c] = v
			}
		}
		if phase > 2*math.Pi {
			phase = math.Mod(phase, 2*math.Pi)
		}
		return true
	}
	return newPacedStream(format, cb, fill, !t.Unpaced), nil
}
