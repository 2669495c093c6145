// Package engine runs the recording and transcription state machine.
//
// All state transitions happen on a single actor goroutine. Triggers from
// HTTP, MQTT or the CLI are queued as commands; blocking work such as closing
// the audio stream, loading a model or running a job happens on helper
// goroutines that post their outcome back to the actor.
package engine

import (
	"fmt"
	"time"

	"github.com/snarg/whisper-notes/internal/capture"
)

// State is the orchestrator's externally visible state.
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateTranscribing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// NoteType is opaque to the engine and handed back with every event of the
// session it started.
type NoteType struct {
	ID          string `json:"id,omitempty"`
	Template    string `json:"template,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// StopReason says why a recording ended.
type StopReason string

const (
	StopManual  StopReason = "manual"
	StopTimeout StopReason = "timeout"
	StopFailed  StopReason = "failed"
)

// SessionInfo describes a recording for OnRecordingStarted and
// OnRecordingStopped.
type SessionInfo struct {
	SessionID   string        `json:"session_id"`
	Note        NoteType      `json:"note_type"`
	Model       string        `json:"model"`
	StartedAt   time.Time     `json:"started_at"`
	StoppedAt   time.Time     `json:"stopped_at,omitempty"`
	MaxDuration time.Duration `json:"max_duration"`
	Reason      StopReason    `json:"reason,omitempty"`

	// Set once the recording is finalized.
	AudioDuration time.Duration `json:"audio_duration,omitempty"`
	Samples       int           `json:"samples,omitempty"`
	Peak          float32       `json:"peak,omitempty"`
	LikelySilent  bool          `json:"likely_silent,omitempty"`

	// Recording is the finalized audio; nil if finalization failed.
	Recording *capture.Recording `json:"-"`
}

// Result is a completed transcription.
type Result struct {
	SessionID     string        `json:"session_id"`
	JobID         string        `json:"job_id"`
	Note          NoteType      `json:"note_type"`
	Model         string        `json:"model"`
	Text          string        `json:"text"`
	Language      string        `json:"language,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	AudioDuration time.Duration `json:"audio_duration"`
	Elapsed       time.Duration `json:"elapsed"`
	Chunks        int           `json:"chunks"`
	LikelySilent  bool          `json:"likely_silent,omitempty"`
}

// Listener receives engine events. Calls are made in order from a single
// goroutine; a slow listener delays later events but never the engine.
type Listener interface {
	OnRecordingStarted(SessionInfo)
	OnRecordingStopped(SessionInfo)
	OnTranscriptionResult(Result)
	OnError(Failure)
}

// Listeners fans events out to every element in order.
type Listeners []Listener

func (ls Listeners) OnRecordingStarted(info SessionInfo) {
	for _, l := range ls {
		l.OnRecordingStarted(info)
	}
}

func (ls Listeners) OnRecordingStopped(info SessionInfo) {
	for _, l := range ls {
		l.OnRecordingStopped(info)
	}
}

func (ls Listeners) OnTranscriptionResult(r Result) {
	for _, l := range ls {
		l.OnTranscriptionResult(r)
	}
}

func (ls Listeners) OnError(f Failure) {
	for _, l := range ls {
		l.OnError(f)
	}
}

// ConfigProvider is read once at each recording start.
type ConfigProvider interface {
	MaxRecordingDuration() time.Duration
	ModelName() string
}

// StaticConfig is a ConfigProvider with fixed values.
type StaticConfig struct {
	MaxDuration time.Duration
	Model       string
}

func (c StaticConfig) MaxRecordingDuration() time.Duration { return c.MaxDuration }
func (c StaticConfig) ModelName() string                   { return c.Model }

// Snapshot is a point-in-time view for polling clients.
type Snapshot struct {
	State       string   `json:"state"`
	SessionID   string   `json:"session_id,omitempty"`
	Note        NoteType `json:"note_type"`
	Model       string   `json:"model,omitempty"`
	Level       float32  `json:"level"`
	Elapsed     float64  `json:"elapsed_seconds"`
	MaxDuration float64  `json:"max_duration_seconds,omitempty"`
}
