package mqttclient

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/engine"
	"github.com/snarg/whisper-notes/internal/events"
)

type publisher interface {
	Topic(suffix string) string
	Publish(topic string, payload []byte, retained bool) error
}

// Publisher is an engine.Listener that mirrors engine events to
// <prefix>/events/<type>. The latest transcription result is also kept
// retained on <prefix>/last_result.
type Publisher struct {
	client publisher
	log    zerolog.Logger
}

func NewPublisher(client publisher, log zerolog.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

func (p *Publisher) OnRecordingStarted(info engine.SessionInfo) {
	p.publish(events.TypeRecordingStarted, info, false)
}

func (p *Publisher) OnRecordingStopped(info engine.SessionInfo) {
	p.publish(events.TypeRecordingStopped, info, false)
}

func (p *Publisher) OnTranscriptionResult(r engine.Result) {
	p.publish(events.TypeTranscriptionResult, r, false)
	p.send(p.client.Topic("last_result"), r, true)
}

func (p *Publisher) OnError(f engine.Failure) {
	p.publish(events.TypeError, f, false)
}

func (p *Publisher) publish(eventType string, v any, retained bool) {
	p.send(p.client.Topic("events/"+eventType), v, retained)
}

func (p *Publisher) send(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("failed to encode event")
		return
	}
	if err := p.client.Publish(topic, data, retained); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}
