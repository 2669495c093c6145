package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when no capture device can be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrNoInputChannels is returned when the selected device cannot record.
	ErrNoInputChannels = errors.New("audio device has no input channels")
)

// Format describes the PCM layout delivered to a Callback.
type Format struct {
	SampleRate int
	Channels   int
	BlockSize  int // frames per callback
}

// DefaultFormat is 16 kHz mono in 4096-frame blocks.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BlockSize: 4096}
}

// Validate rejects formats a source cannot open.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", f.BlockSize)
	}
	return nil
}

// BlockSamples is the number of interleaved samples in one block.
func (f Format) BlockSamples() int { return f.BlockSize * f.Channels }

// BlockDuration is the wall-clock length of one block.
func (f Format) BlockDuration() time.Duration {
	return time.Duration(f.BlockSize) * time.Second / time.Duration(f.SampleRate)
}

// SamplesFor returns how many interleaved samples cover d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(d.Seconds()*float64(f.SampleRate)) * f.Channels
}

// Status carries per-block flags reported by the device.
type Status struct {
	InputOverflow bool
}

// Callback receives one block of interleaved float32 samples. It runs on the
// source's real-time goroutine and must not block. The slice is only valid
// for the duration of the call.
type Callback func(block []float32, status Status)

// Source opens capture streams.
type Source interface {
	Name() string
	Open(format Format, cb Callback) (Stream, error)
}

// Stream is an open capture stream. Close is idempotent, safe to call from
// any goroutine, and no callback runs after it returns.
type Stream interface {
	Start() error
	Close() error
}
