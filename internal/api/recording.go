package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/whisper-notes/internal/engine"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Snapshot() engine.Snapshot
	Trigger(action string, note engine.NoteType) error
}

type RecordingHandler struct {
	engine Controller
}

func NewRecordingHandler(c Controller) *RecordingHandler {
	return &RecordingHandler{engine: c}
}

func (h *RecordingHandler) Routes(r chi.Router) {
	r.Get("/state", h.GetState)
	r.Post("/recording/{action}", h.Trigger)
}

// GetState returns the engine snapshot for polling clients.
func (h *RecordingHandler) GetState(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.Snapshot())
}

// Trigger queues start, stop or toggle. The note type comes from the
// note_type, template and storage_path query parameters, or a JSON body
// with the same fields.
//
// The engine applies triggers asynchronously, so a 202 means the command was
// queued; rejections (already recording, busy) arrive as events.
func (h *RecordingHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	var body struct {
		NoteType    string `json:"note_type"`
		Template    string `json:"template"`
		StoragePath string `json:"storage_path"`
	}
	if err := DecodeJSON(w, r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	note := engine.NoteType{ID: body.NoteType, Template: body.Template, StoragePath: body.StoragePath}
	q := query(r)
	if v := q.str("note_type"); v != "" {
		note.ID = v
	}
	if v := q.str("template"); v != "" {
		note.Template = v
	}
	if v := q.str("storage_path"); v != "" {
		note.StoragePath = v
	}

	if err := h.engine.Trigger(action, note); err != nil {
		writeTriggerError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"action": action,
		"state":  h.engine.Snapshot().State,
	})
}
