package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/audio"
	"github.com/snarg/whisper-notes/internal/capture"
	"github.com/snarg/whisper-notes/internal/engine"
)

const archiveTimeout = 30 * time.Second

// Archiver is an engine.Listener that writes every finalized recording to
// an AudioStore as WAV in the background. Encoding and upload never block
// the listener goroutine; when the queue is full the recording is skipped.
type Archiver struct {
	store AudioStore
	ch    chan *capture.Recording
	log   zerolog.Logger
	wg    sync.WaitGroup

	mu      sync.Mutex // guards stopped and sends on ch
	stopped bool

	saved  atomic.Int64
	failed atomic.Int64
}

// NewArchiver creates an archiver with the given queue size.
func NewArchiver(store AudioStore, bufferSize int, log zerolog.Logger) *Archiver {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &Archiver{
		store: store,
		ch:    make(chan *capture.Recording, bufferSize),
		log:   log.With().Str("component", "archiver").Logger(),
	}
}

// ArchiveKey is the store key for a recording: YYYY-MM-DD/<session>.wav (UTC).
func ArchiveKey(sessionID string, startedAt time.Time) string {
	return startedAt.UTC().Format("2006-01-02") + "/" + sessionID + ".wav"
}

// Enqueue adds a recording. Non-blocking: drops with a warning if full or stopped.
func (a *Archiver) Enqueue(rec *capture.Recording) {
	if rec == nil || len(rec.Samples) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		a.log.Debug().Str("session_id", rec.SessionID).Msg("archiver stopped, skipping recording")
		return
	}
	select {
	case a.ch <- rec:
	default:
		a.log.Warn().Str("session_id", rec.SessionID).Msg("archive queue full, skipping recording")
	}
}

// Start launches worker goroutines.
func (a *Archiver) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	a.log.Info().Int("workers", workers).Int("buffer", cap(a.ch)).Str("store", a.store.Type()).Msg("archiver started")
}

// Stop rejects new recordings and waits for queued ones to be written.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Stats returns how many recordings were saved and failed.
func (a *Archiver) Stats() (saved, failed int64) {
	return a.saved.Load(), a.failed.Load()
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for rec := range a.ch {
		if err := a.save(rec); err != nil {
			a.failed.Add(1)
			a.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("failed to archive recording")
			continue
		}
		a.saved.Add(1)
	}
}

func (a *Archiver) save(rec *capture.Recording) error {
	data, err := audio.WAVBytes(rec.Samples, rec.Format.SampleRate, rec.Format.Channels)
	if err != nil {
		return err
	}
	key := ArchiveKey(rec.SessionID, rec.StartedAt)
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := a.store.Save(ctx, key, data, "audio/wav"); err != nil {
		return err
	}
	a.log.Info().Str("key", key).Int("bytes", len(data)).Msg("recording archived")
	return nil
}

func (a *Archiver) OnRecordingStopped(info engine.SessionInfo) { a.Enqueue(info.Recording) }

func (a *Archiver) OnRecordingStarted(engine.SessionInfo) {}
func (a *Archiver) OnTranscriptionResult(engine.Result)   {}
func (a *Archiver) OnError(engine.Failure)                {}
