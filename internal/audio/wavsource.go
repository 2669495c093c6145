package audio

import (
	"errors"
	"fmt"
	"os"
)

// WAVSource replays a WAV file as if it were a microphone. It is used to
// import existing recordings through the normal capture path.
type WAVSource struct {
	Path    string
	Unpaced bool
}

func (w *WAVSource) Name() string { return "file" }

func (w *WAVSource) Open(format Format, cb Callback) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errors.New("nil callback")
	}
	f, err := os.Open(w.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer f.Close()

	samples, rate, channels, err := DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, w.Path, err)
	}
	if channels < 1 {
		return nil, ErrNoInputChannels
	}
	if rate != format.SampleRate {
		return nil, fmt.Errorf("%s: sample rate %d does not match capture rate %d", w.Path, rate, format.SampleRate)
	}
	samples = remix(samples, channels, format.Channels)

	pos := 0
	fill := func(buf []float32) bool {
		if pos >= len(samples) {
			return false
		}
		n := copy(buf, samples[pos:])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		pos += n
		return true
	}
	return newPacedStream(format, cb, fill, !w.Unpaced), nil
}

// remix converts interleaved samples between channel counts. Downmixing
// averages channels; upmixing duplicates the mono signal.
func remix(samples []float32, from, to int) []float32 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]float32, frames*to)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < from; c++ {
			sum += samples[i*from+c]
		}
		v := sum / float32(from)
		for c := 0; c < to; c++ {
			out[i*to+c] = v
		}
	}
	return out
}
