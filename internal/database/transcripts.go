package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TranscriptRow is the input for inserting a transcript.
type TranscriptRow struct {
	SessionID     string
	JobID         string
	NoteType      string
	Template      string
	StoragePath   string
	Model         string
	Language      string
	Text          string
	Chunks        int
	AudioDuration time.Duration
	Elapsed       time.Duration
	LikelySilent  bool
	StartedAt     time.Time
}

// Transcript is the transcript representation for API responses.
type Transcript struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	JobID           string    `json:"job_id"`
	NoteType        string    `json:"note_type,omitempty"`
	Template        string    `json:"template,omitempty"`
	StoragePath     string    `json:"storage_path,omitempty"`
	Model           string    `json:"model"`
	Language        string    `json:"language,omitempty"`
	Text            string    `json:"text"`
	WordCount       int       `json:"word_count"`
	Chunks          int       `json:"chunks"`
	AudioDurationMs int       `json:"audio_duration_ms"`
	ElapsedMs       int       `json:"elapsed_ms"`
	LikelySilent    bool      `json:"likely_silent"`
	StartedAt       time.Time `json:"started_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TranscriptFilter specifies filters for listing transcripts.
type TranscriptFilter struct {
	Query     string // full-text search over the transcript text
	NoteType  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// InsertTranscript stores a finished transcription. A session is stored at
// most once; a repeated insert returns id 0 and no error.
func (db *DB) InsertTranscript(ctx context.Context, row TranscriptRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transcripts (
			session_id, job_id, note_type, template, storage_path,
			model, language, text, word_count, chunks,
			audio_duration_ms, elapsed_ms, likely_silent, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING id
	`,
		row.SessionID, row.JobID, row.NoteType, row.Template, row.StoragePath,
		row.Model, row.Language, row.Text, wordCount(row.Text), row.Chunks,
		int(row.AudioDuration.Milliseconds()), int(row.Elapsed.Milliseconds()),
		row.LikelySilent, row.StartedAt,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

const transcriptColumns = `id, session_id, job_id,
	COALESCE(note_type, ''), COALESCE(template, ''), COALESCE(storage_path, ''),
	model, COALESCE(language, ''), text, word_count, chunks,
	audio_duration_ms, elapsed_ms, likely_silent, started_at, created_at`

func scanTranscript(row pgx.Row) (Transcript, error) {
	var t Transcript
	err := row.Scan(
		&t.ID, &t.SessionID, &t.JobID,
		&t.NoteType, &t.Template, &t.StoragePath,
		&t.Model, &t.Language, &t.Text, &t.WordCount, &t.Chunks,
		&t.AudioDurationMs, &t.ElapsedMs, &t.LikelySilent, &t.StartedAt, &t.CreatedAt,
	)
	return t, err
}

// ListTranscripts returns one page of transcripts, newest first, and the
// number of rows matching the filter.
func (db *DB) ListTranscripts(ctx context.Context, filter TranscriptFilter) ([]Transcript, int, error) {
	w := transcriptWhere(filter)

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM transcripts"+w.String(), w.args(nil)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transcripts: %w", err)
	}

	limit, offset := clampPage(filter.Limit, filter.Offset)
	rows, err := db.Pool.Query(ctx,
		"SELECT "+transcriptColumns+" FROM transcripts"+w.String()+
			" ORDER BY started_at DESC LIMIT @limit OFFSET @offset",
		w.args(pgx.NamedArgs{"limit": limit, "offset": offset}),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcripts: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transcript, error) {
		return scanTranscript(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list transcripts: %w", err)
	}
	if items == nil {
		items = []Transcript{}
	}
	return items, total, nil
}

// GetTranscript returns the transcript for a recording session, or
// ErrNotFound.
func (db *DB) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	t, err := scanTranscript(db.Pool.QueryRow(ctx,
		"SELECT "+transcriptColumns+" FROM transcripts WHERE session_id = $1", sessionID))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transcript %s: %w", sessionID, err)
	}
	return &t, nil
}

// PurgeTranscriptsOlderThan deletes transcripts recorded before now - retention.
func (db *DB) PurgeTranscriptsOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM transcripts WHERE started_at < now() - $1::interval`,
		retention.String(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func transcriptWhere(filter TranscriptFilter) *where {
	w := &where{}
	if filter.Query != "" {
		w.add("search_vector @@ plainto_tsquery('english', @query)", "query", filter.Query)
	}
	if filter.NoteType != "" {
		w.add("note_type = @note_type", "note_type", filter.NoteType)
	}
	if filter.StartTime != nil {
		w.add("started_at >= @start_time", "start_time", *filter.StartTime)
	}
	if filter.EndTime != nil {
		w.add("started_at < @end_time", "end_time", *filter.EndTime)
	}
	return w
}

func clampPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
