package engine

import (
	"errors"

	"github.com/snarg/whisper-notes/internal/audio"
	"github.com/snarg/whisper-notes/internal/capture"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

var (
	// ErrWorkerTimeout is reported when a session spends longer than the job
	// timeout between stop and result.
	ErrWorkerTimeout = errors.New("transcription worker timed out")
	// ErrClosed is returned by triggers after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrUnknownAction is returned by Trigger for an unrecognized action.
	ErrUnknownAction = errors.New("unknown action")
)

// ErrorKind is the stable category reported to listeners.
type ErrorKind string

const (
	KindDeviceUnavailable   ErrorKind = "device_unavailable"
	KindNoInputChannels     ErrorKind = "no_input_channels"
	KindOverflow            ErrorKind = "overflow"
	KindNoAudioCaptured     ErrorKind = "no_audio_captured"
	KindModelLoadFailed     ErrorKind = "model_load_failed"
	KindTranscriptionFailed ErrorKind = "transcription_failed"
	KindBusy                ErrorKind = "busy"
	KindWorkerTimeout       ErrorKind = "worker_timeout"
	KindInternal            ErrorKind = "internal"
)

// KindOf maps an error from any engine package to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrNoInputChannels):
		return KindNoInputChannels
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, capture.ErrOverflow):
		return KindOverflow
	case errors.Is(err, capture.ErrNoAudioCaptured):
		return KindNoAudioCaptured
	case errors.Is(err, transcribe.ErrModelLoadFailed):
		return KindModelLoadFailed
	case errors.Is(err, transcribe.ErrBusy):
		return KindBusy
	case errors.Is(err, ErrWorkerTimeout), errors.Is(err, capture.ErrDrainTimeout):
		return KindWorkerTimeout
	case errors.Is(err, transcribe.ErrTranscriptionFailed), errors.Is(err, transcribe.ErrCancelled):
		return KindTranscriptionFailed
	default:
		return KindInternal
	}
}

// Failure is what listeners receive through OnError.
type Failure struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	Err       error     `json:"-"`
}

func newFailure(sessionID string, err error) Failure {
	return Failure{
		Kind:      KindOf(err),
		Message:   err.Error(),
		SessionID: sessionID,
		Err:       err,
	}
}
