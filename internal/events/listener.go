package events

import "github.com/snarg/whisper-notes/internal/engine"

// The bus is an engine.Listener. Stop reasons and error kinds travel as
// sub types so clients can subscribe to "recording_stopped:timeout" or
// "error:busy".

func (b *Bus) OnRecordingStarted(info engine.SessionInfo) {
	b.Publish(EventData{Type: TypeRecordingStarted, SessionID: info.SessionID, Payload: info})
}

func (b *Bus) OnRecordingStopped(info engine.SessionInfo) {
	b.Publish(EventData{
		Type:      TypeRecordingStopped,
		SubType:   string(info.Reason),
		SessionID: info.SessionID,
		Payload:   info,
	})
}

func (b *Bus) OnTranscriptionResult(r engine.Result) {
	b.Publish(EventData{Type: TypeTranscriptionResult, SessionID: r.SessionID, Payload: r})
}

func (b *Bus) OnError(f engine.Failure) {
	b.Publish(EventData{
		Type:      TypeError,
		SubType:   string(f.Kind),
		SessionID: f.SessionID,
		Payload:   f,
	})
}
