package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const liveDebounce = 250 * time.Millisecond

// LiveOptions configures a LiveProvider.
type LiveOptions struct {
	EnvFile     string // empty disables watching
	MaxDuration time.Duration
	ModelName   string

	// OnChange is called after a reload that changed either value.
	OnChange func(maxDuration time.Duration, model string)

	Log zerolog.Logger
}

// LiveProvider serves the per-session settings (max recording duration and
// model name) and re-reads them from the .env file when it changes on disk.
// New values apply from the next recording on.
type LiveProvider struct {
	path     string
	onChange func(time.Duration, string)
	log      zerolog.Logger

	mu          sync.RWMutex
	maxDuration time.Duration
	model       string

	watcher *fsnotify.Watcher
	done    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	reloads atomic.Int64
}

// NewLiveProvider creates a provider seeded with the startup values.
func NewLiveProvider(opts LiveOptions) *LiveProvider {
	return &LiveProvider{
		path:        opts.EnvFile,
		onChange:    opts.OnChange,
		log:         opts.Log.With().Str("component", "config").Logger(),
		maxDuration: opts.MaxDuration,
		model:       opts.ModelName,
		done:        make(chan struct{}),
	}
}

func (p *LiveProvider) MaxRecordingDuration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxDuration
}

func (p *LiveProvider) ModelName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// Reloads returns how many reloads changed a value.
func (p *LiveProvider) Reloads() int64 { return p.reloads.Load() }

// Start begins watching the env file. The parent directory is watched so
// that editors replacing the file by rename are picked up.
func (p *LiveProvider) Start() error {
	if p.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	p.watcher = w
	go p.watchLoop()

	p.log.Info().Str("env_file", p.path).Msg("watching env file for changes")
	return nil
}

// Stop closes the watcher.
func (p *LiveProvider) Stop() {
	if p.watcher == nil {
		return
	}
	p.watcher.Close()
	<-p.done

	p.timerMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerMu.Unlock()
}

func (p *LiveProvider) watchLoop() {
	defer close(p.done)
	target := filepath.Clean(p.path)
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			p.scheduleReload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleReload coalesces the burst of events a single save produces.
func (p *LiveProvider) scheduleReload() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Reset(liveDebounce)
		return
	}
	p.timer = time.AfterFunc(liveDebounce, func() {
		p.timerMu.Lock()
		p.timer = nil
		p.timerMu.Unlock()
		if err := p.Reload(); err != nil {
			p.log.Warn().Err(err).Msg("env file reload failed, keeping previous values")
		}
	})
}

// Reload re-reads MAX_RECORDING_DURATION and MODEL_NAME from the env file.
// Keys missing from the file keep their current value.
func (p *LiveProvider) Reload() error {
	if p.path == "" {
		return nil
	}
	if _, err := os.Stat(p.path); err != nil {
		return fmt.Errorf("stat env file: %w", err)
	}
	vals, err := godotenv.Read(p.path)
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}

	p.mu.Lock()
	maxDur, model := p.maxDuration, p.model
	if s, ok := vals["MAX_RECORDING_DURATION"]; ok && strings.TrimSpace(s) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil || d <= 0 {
			p.mu.Unlock()
			return fmt.Errorf("invalid MAX_RECORDING_DURATION %q", s)
		}
		maxDur = d
	}
	if s, ok := vals["MODEL_NAME"]; ok && strings.TrimSpace(s) != "" {
		model = strings.TrimSpace(s)
	}
	changed := maxDur != p.maxDuration || model != p.model
	p.maxDuration, p.model = maxDur, model
	p.mu.Unlock()

	if !changed {
		return nil
	}
	p.reloads.Add(1)
	p.log.Info().
		Dur("max_recording_duration", maxDur).
		Str("model", model).
		Msg("settings reloaded")
	if p.onChange != nil {
		p.onChange(maxDur, model)
	}
	return nil
}
