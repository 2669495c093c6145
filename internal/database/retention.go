package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type transcriptPurger interface {
	PurgeTranscriptsOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Retention periodically deletes transcripts older than the retention period.
type Retention struct {
	db        transcriptPurger
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func NewRetention(db transcriptPurger, retention time.Duration, log zerolog.Logger) *Retention {
	return &Retention{
		db:        db,
		retention: retention,
		interval:  time.Hour,
		log:       log.With().Str("component", "retention").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs one purge immediately, then every interval.
func (r *Retention) Start() { go r.loop() }

func (r *Retention) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Retention) loop() {
	defer close(r.done)
	r.purge()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.purge()
		case <-r.stop:
			return
		}
	}
}

func (r *Retention) purge() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := r.db.PurgeTranscriptsOlderThan(ctx, r.retention)
	if err != nil {
		r.log.Error().Err(err).Msg("transcript purge failed")
		return 0
	}
	if n > 0 {
		r.log.Info().Int64("deleted", n).Dur("retention", r.retention).Msg("old transcripts purged")
	}
	return n
}
