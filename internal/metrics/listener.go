package metrics

import (
	"errors"

	"github.com/snarg/whisper-notes/internal/engine"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

// Listener counts engine events.
type Listener struct{}

func (Listener) OnRecordingStarted(engine.SessionInfo) {}

func (Listener) OnRecordingStopped(info engine.SessionInfo) {
	RecordingsTotal.WithLabelValues(string(info.Reason)).Inc()
	if info.Recording == nil {
		return
	}
	RecordedSeconds.Add(info.AudioDuration.Seconds())
	if info.LikelySilent {
		SilentRecordingsTotal.Inc()
	}
}

func (Listener) OnTranscriptionResult(r engine.Result) {
	TranscriptionsTotal.Inc()
	TranscriptionDuration.Observe(r.Elapsed.Seconds())
}

func (Listener) OnError(f engine.Failure) {
	ErrorsTotal.WithLabelValues(string(f.Kind)).Inc()
}

// ObserveJob is a transcribe.RunnerOptions.OnComplete hook.
func ObserveJob(res transcribe.JobResult) {
	outcome := "succeeded"
	switch {
	case errors.Is(res.Err, transcribe.ErrCancelled):
		outcome = "cancelled"
	case res.Err != nil:
		outcome = "failed"
	}
	TranscriptionJobsTotal.WithLabelValues(outcome).Inc()
}
