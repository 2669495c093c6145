package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/whisper-notes/internal/database"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

// TranscriptStore is the read side of the transcript database.
type TranscriptStore interface {
	ListTranscripts(ctx context.Context, filter database.TranscriptFilter) ([]database.Transcript, int, error)
	GetTranscript(ctx context.Context, sessionID string) (*database.Transcript, error)
}

// QueueStatsSource reports the transcription runner's counters.
type QueueStatsSource interface {
	Stats() transcribe.QueueStats
}

type TranscriptsHandler struct {
	store TranscriptStore
	queue QueueStatsSource
}

func NewTranscriptsHandler(store TranscriptStore, queue QueueStatsSource) *TranscriptsHandler {
	return &TranscriptsHandler{store: store, queue: queue}
}

func (h *TranscriptsHandler) Routes(r chi.Router) {
	r.Get("/transcripts", h.ListTranscripts)
	r.Get("/transcripts/queue", h.GetQueueStats)
	r.Get("/transcripts/{session_id}", h.GetTranscript)
}

// ListTranscripts returns stored transcripts, newest first.
// Optional filters: q (full-text), note_type, start_time, end_time.
func (h *TranscriptsHandler) ListTranscripts(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}

	q := query(r)
	p, err := q.page()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := database.TranscriptFilter{
		Query:    q.str("q"),
		NoteType: q.str("note_type"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	if filter.StartTime, err = q.time("start_time"); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.EndTime, err = q.time("end_time"); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	transcripts, total, err := h.store.ListTranscripts(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list transcripts")
		WriteError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}
	WriteJSON(w, http.StatusOK, ListResponse[database.Transcript]{
		Items:  transcripts,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// GetTranscript returns the transcript of one recording session.
func (h *TranscriptsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}

	t, err := h.store.GetTranscript(r.Context(), chi.URLParam(r, "session_id"))
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "transcript not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// GetQueueStats returns transcription runner statistics.
func (h *TranscriptsHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "not_configured"})
		return
	}
	s := h.queue.Stats()
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"pending":   s.Pending,
		"running":   s.Running,
		"completed": s.Completed,
		"failed":    s.Failed,
	})
}
