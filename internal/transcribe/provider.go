package transcribe

import (
	"context"

	"github.com/snarg/whisper-notes/internal/audio"
)

// Model is a loaded speech-to-text capability. Implementations are
// immutable after load and safe for concurrent use.
type Model interface {
	Name() string
	Transcribe(ctx context.Context, samples []float32, format audio.Format) (*Response, error)
}

// Loader produces a Model by name. Load may be slow; it is only ever called
// from a ModelCache load goroutine.
type Loader interface {
	Load(ctx context.Context, name string) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, name string) (Model, error) { return f(ctx, name) }

// Response is the common transcription result from any backend.
type Response struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds
}
