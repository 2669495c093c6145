package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	reconcileDelay    = 2 * time.Minute
	reconcileInterval = 5 * time.Minute
	reconcileWindow   = 3 // days, including today
)

// UploadReconciler periodically copies recordings from the last few days of
// the local archive to the backup store when the backup lacks them. It
// covers backup writes that failed or were cut short by a restart.
type UploadReconciler struct {
	local  *LocalStore
	backup AudioStore
	log    zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

func NewUploadReconciler(local *LocalStore, backup AudioStore, log zerolog.Logger) *UploadReconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadReconciler{
		local:  local,
		backup: backup,
		log:    log.With().Str("component", "upload-reconciler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.run() }

// Stop cancels any upload in flight and waits for the loop to exit.
func (r *UploadReconciler) Stop() {
	r.stopOnce.Do(r.cancel)
	<-r.done
}

func (r *UploadReconciler) run() {
	defer close(r.done)

	timer := time.NewTimer(reconcileDelay)
	defer timer.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
			r.reconcile(r.ctx, time.Now())
			timer.Reset(reconcileInterval)
		}
	}
}

// recentDays returns the UTC day directories inside the window, newest first.
func recentDays(now time.Time) []string {
	days := make([]string, reconcileWindow)
	for i := range days {
		days[i] = now.UTC().AddDate(0, 0, -i).Format("2006-01-02")
	}
	return days
}

// reconcile returns how many recordings it uploaded and how many uploads
// failed.
func (r *UploadReconciler) reconcile(ctx context.Context, now time.Time) (uploaded, failed int) {
	checked := 0
	for _, day := range recentDays(now) {
		keys, err := r.local.DayKeys(day)
		if err != nil {
			if !os.IsNotExist(err) {
				r.log.Warn().Err(err).Str("day", day).Msg("list archive day failed")
			}
			continue
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return uploaded, failed
			}
			checked++
			copied, err := r.copyIfMissing(ctx, key)
			switch {
			case err != nil:
				r.log.Warn().Err(err).Str("key", key).Msg("backup upload failed")
				failed++
			case copied:
				uploaded++
			}
		}
	}

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("checked", checked).
			Int("uploaded", uploaded).
			Int("failed", failed).
			Msg("backup reconcile finished")
	}
	return uploaded, failed
}

func (r *UploadReconciler) copyIfMissing(ctx context.Context, key string) (bool, error) {
	headCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	exists := r.backup.Exists(headCtx, key)
	cancel()
	if exists {
		return false, nil
	}

	data, err := os.ReadFile(filepath.Join(r.local.Dir(), filepath.FromSlash(key)))
	if err != nil {
		return false, err
	}
	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.backup.Save(putCtx, key, data, contentTypeFromExt(key)); err != nil {
		return false, err
	}
	return true, nil
}

// contentTypeFromExt returns the MIME type for a key or file name.
func contentTypeFromExt(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
