// Package portaudio captures from the default input device through the
// PortAudio C library.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/audio"
)

// Source opens the system default input device. PortAudio is initialized
// once per Source and terminated by Terminate.
type Source struct {
	log zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewSource creates a PortAudio-backed source.
func NewSource(log zerolog.Logger) *Source {
	return &Source{log: log.With().Str("component", "portaudio").Logger()}
}

func (s *Source) Name() string { return "portaudio" }

func (s *Source) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio init: %v", audio.ErrDeviceUnavailable, err)
	}
	s.initialized = true
	return nil
}

// Terminate releases the PortAudio library. Streams must be closed first.
func (s *Source) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	return pa.Terminate()
}

// Open validates the default input device and opens a callback stream on it.
func (s *Source) Open(format audio.Format, cb audio.Callback) (audio.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := s.init(); err != nil {
		return nil, err
	}

	dev, err := pa.DefaultInputDevice()
	if err != nil || dev == nil {
		return nil, fmt.Errorf("%w: no default input device: %v", audio.ErrDeviceUnavailable, err)
	}
	if dev.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: %s", audio.ErrNoInputChannels, dev.Name)
	}
	if dev.MaxInputChannels < format.Channels {
		return nil, fmt.Errorf("%w: %s supports %d channels, need %d",
			audio.ErrNoInputChannels, dev.Name, dev.MaxInputChannels, format.Channels)
	}

	// High latency favours stability over responsiveness; the capture path
	// buffers seconds of audio anyway.
	params := pa.HighLatencyParameters(dev, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = format.BlockSize

	callback := func(in []float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
		cb(in, audio.Status{InputOverflow: flags&pa.InputOverflow != 0})
	}

	stream, err := pa.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream on %s: %v", audio.ErrDeviceUnavailable, dev.Name, err)
	}

	s.log.Info().
		Str("device", dev.Name).
		Int("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Int("block_size", format.BlockSize).
		Msg("input stream opened")

	return &inputStream{stream: stream, log: s.log}, nil
}

type inputStream struct {
	stream *pa.Stream
	log    zerolog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

func (st *inputStream) Start() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return fmt.Errorf("%w: stream closed", audio.ErrDeviceUnavailable)
	}
	if st.started {
		return nil
	}
	if err := st.stream.Start(); err != nil {
		return fmt.Errorf("%w: start stream: %v", audio.ErrDeviceUnavailable, err)
	}
	st.started = true
	return nil
}

// Close stops the stream (Pa_StopStream waits for the pending callback) and
// releases the device.
func (st *inputStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	var firstErr error
	if st.started {
		if err := st.stream.Stop(); err != nil {
			st.log.Warn().Err(err).Msg("stop stream")
			firstErr = err
		}
	}
	if err := st.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
