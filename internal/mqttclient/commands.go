package mqttclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/engine"
	"github.com/snarg/whisper-notes/internal/metrics"
)

// Command is a trigger received on <prefix>/command. The payload is either
// JSON ({"action":"toggle","note_type":"daily"}) or a bare action name.
type Command struct {
	Action      string `json:"action"`
	NoteType    string `json:"note_type,omitempty"`
	Template    string `json:"template,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

func (c Command) Note() engine.NoteType {
	return engine.NoteType{ID: c.NoteType, Template: c.Template, StoragePath: c.StoragePath}
}

var errEmptyCommand = errors.New("empty command")

// ParseCommand decodes a command payload.
func ParseCommand(payload []byte) (Command, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return Command{}, errEmptyCommand
	}
	if !strings.HasPrefix(raw, "{") {
		return Command{Action: strings.ToLower(raw)}, nil
	}

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))
	if cmd.Action == "" {
		return Command{}, errEmptyCommand
	}
	return cmd, nil
}

// Triggerer is satisfied by *engine.Orchestrator.
type Triggerer interface {
	Trigger(action string, note engine.NoteType) error
}

// CommandHandler returns a MessageHandler that forwards commands to the engine.
func CommandHandler(t Triggerer, log zerolog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		cmd, err := ParseCommand(payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("ignoring malformed command")
			metrics.MQTTCommandsTotal.WithLabelValues("invalid").Inc()
			return
		}
		if err := t.Trigger(cmd.Action, cmd.Note()); err != nil {
			log.Warn().Err(err).Str("action", cmd.Action).Msg("command rejected")
			metrics.MQTTCommandsTotal.WithLabelValues("invalid").Inc()
			return
		}
		metrics.MQTTCommandsTotal.WithLabelValues(cmd.Action).Inc()
		log.Info().Str("action", cmd.Action).Str("note_type", cmd.NoteType).Msg("command received")
	}
}
