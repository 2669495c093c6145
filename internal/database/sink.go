package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/engine"
)

type transcriptWriter interface {
	InsertTranscript(ctx context.Context, row TranscriptRow) (int64, error)
}

// Sink is an engine.Listener that stores every transcription result.
// Inserts run on the listener goroutine, bounded by the timeout.
type Sink struct {
	store   transcriptWriter
	timeout time.Duration
	log     zerolog.Logger
}

func NewSink(store transcriptWriter, timeout time.Duration, log zerolog.Logger) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{store: store, timeout: timeout, log: log}
}

func (s *Sink) OnRecordingStarted(engine.SessionInfo) {}
func (s *Sink) OnRecordingStopped(engine.SessionInfo) {}
func (s *Sink) OnError(engine.Failure)                {}

func (s *Sink) OnTranscriptionResult(r engine.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	id, err := s.store.InsertTranscript(ctx, rowFromResult(r))
	if err != nil {
		s.log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to store transcript")
		return
	}
	if id == 0 {
		s.log.Debug().Str("session_id", r.SessionID).Msg("transcript already stored")
		return
	}
	s.log.Debug().Int64("id", id).Str("session_id", r.SessionID).Msg("transcript stored")
}

func rowFromResult(r engine.Result) TranscriptRow {
	return TranscriptRow{
		SessionID:     r.SessionID,
		JobID:         r.JobID,
		NoteType:      r.Note.ID,
		Template:      r.Note.Template,
		StoragePath:   r.Note.StoragePath,
		Model:         r.Model,
		Language:      r.Language,
		Text:          r.Text,
		Chunks:        r.Chunks,
		AudioDuration: r.AudioDuration,
		Elapsed:       r.Elapsed,
		LikelySilent:  r.LikelySilent,
		StartedAt:     r.StartedAt,
	}
}
