package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/capture"
)

var (
	// ErrBusy is returned by Submit while another job is pending or running.
	ErrBusy = errors.New("transcription already in progress")
	// ErrTranscriptionFailed wraps model errors.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrCancelled is the result of a job cancelled before it completed.
	ErrCancelled = errors.New("transcription cancelled")
	// ErrRunnerStopped is returned by Submit after Stop.
	ErrRunnerStopped = errors.New("transcription runner stopped")
)

// JobStatus is the lifecycle stage of a Job.
type JobStatus int32

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// JobResult is delivered exactly once on Job.Done.
type JobResult struct {
	JobID     string
	SessionID string
	Model     string
	Text      string
	Language  string
	Chunks    int
	Elapsed   time.Duration
	Err       error
}

// Job transcribes one finalized recording.
type Job struct {
	id     string
	rec    *capture.Recording
	model  Model
	status atomic.Int32

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	done chan JobResult
}

func (j *Job) ID() string { return j.id }

func (j *Job) Status() JobStatus { return JobStatus(j.status.Load()) }

// Done receives the job's single result.
func (j *Job) Done() <-chan JobResult { return j.done }

// Cancel asks the worker to stop. It is observed between chunks; a model
// call already in progress only sees the cancelled context and may finish
// anyway.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancel()
}

// QueueStats reports the current state of the runner.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Running   bool  `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RunnerOptions configures the transcription runner.
type RunnerOptions struct {
	ChunkDuration time.Duration // 0 = whole recording in one call
	OnComplete    func(JobResult)
	Log           zerolog.Logger
}

// Runner executes at most one transcription at a time on a single worker
// goroutine.
type Runner struct {
	jobs chan *Job
	opts RunnerOptions
	log  zerolog.Logger
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	current *Job
	stopped bool
	running atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewRunner creates a runner. Call Start to launch its worker.
func NewRunner(opts RunnerOptions) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		jobs: make(chan *Job, 1),
		opts: opts,
		log:  opts.Log,
		ctx:  ctx,
		stop: cancel,
	}
}

// Start launches the worker goroutine.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.worker()
	r.log.Info().Dur("chunk", r.opts.ChunkDuration).Msg("transcription runner started")
}

// Stop cancels any outstanding job and waits for the worker to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
	r.log.Info().
		Int64("completed", r.completed.Load()).
		Int64("failed", r.failed.Load()).
		Msg("transcription runner stopped")
}

// Submit hands rec to the worker and returns immediately. A second Submit
// while a job is pending or running returns ErrBusy and leaves that job alone.
func (r *Runner) Submit(rec *capture.Recording, model Model) (*Job, error) {
	if rec == nil || model == nil {
		return nil, errors.New("submit: nil recording or model")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRunnerStopped
	}
	if r.current != nil {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(r.ctx)
	j := &Job{
		id:     uuid.NewString(),
		rec:    rec,
		model:  model,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan JobResult, 1),
	}
	r.current = j
	r.jobs <- j // capacity 1 and current was nil, so this never blocks
	return j, nil
}

// Active returns the pending or running job, if any.
func (r *Runner) Active() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Stats returns current runner statistics.
func (r *Runner) Stats() QueueStats {
	return QueueStats{
		Pending:   len(r.jobs),
		Running:   r.running.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
	}
}

// ChunkDuration returns the configured chunk window.
func (r *Runner) ChunkDuration() time.Duration { return r.opts.ChunkDuration }

func (r *Runner) worker() {
	defer r.wg.Done()

	for job := range r.jobs {
		res := r.process(job)
		if res.Err != nil {
			r.failed.Add(1)
			job.status.Store(int32(JobFailed))
			r.log.Warn().Err(res.Err).
				Str("job", job.id).
				Str("session", res.SessionID).
				Msg("transcription failed")
		} else {
			r.completed.Add(1)
			job.status.Store(int32(JobSucceeded))
		}
		job.cancel()

		// Free the slot before publishing so the consumer can submit again
		// as soon as it sees the result.
		r.mu.Lock()
		if r.current == job {
			r.current = nil
		}
		r.mu.Unlock()

		if r.opts.OnComplete != nil {
			r.opts.OnComplete(res)
		}
		job.done <- res
	}
}

func (r *Runner) process(job *Job) JobResult {
	start := time.Now()
	rec := job.rec
	res := JobResult{JobID: job.id, SessionID: rec.SessionID, Model: job.model.Name()}

	job.status.Store(int32(JobRunning))
	r.running.Store(true)
	defer r.running.Store(false)

	ctx := job.ctx

	chunkSamples := 0
	if r.opts.ChunkDuration > 0 {
		chunkSamples = rec.Format.SamplesFor(r.opts.ChunkDuration)
	}
	chunks := splitChunks(rec.Samples, chunkSamples, rec.Format.Channels)

	var texts []string
	for i, chunk := range chunks {
		if job.cancelled.Load() {
			res.Err = ErrCancelled
			res.Elapsed = time.Since(start)
			return res
		}
		resp, err := job.model.Transcribe(ctx, chunk, rec.Format)
		if err != nil {
			if job.cancelled.Load() {
				res.Err = ErrCancelled
			} else {
				res.Err = fmt.Errorf("%w: chunk %d/%d: %w", ErrTranscriptionFailed, i+1, len(chunks), err)
			}
			res.Elapsed = time.Since(start)
			return res
		}
		res.Chunks++
		if t := strings.TrimSpace(resp.Text); t != "" {
			texts = append(texts, t)
		}
		if res.Language == "" {
			res.Language = resp.Language
		}
	}
	if job.cancelled.Load() {
		res.Err = ErrCancelled
		res.Elapsed = time.Since(start)
		return res
	}

	res.Text = strings.Join(texts, " ")
	res.Elapsed = time.Since(start)

	r.log.Debug().
		Str("job", job.id).
		Str("session", rec.SessionID).
		Int("chunks", res.Chunks).
		Int("chars", len(res.Text)).
		Dur("elapsed", res.Elapsed).
		Msg("transcription complete")
	return res
}

// splitChunks cuts interleaved samples into windows of size samples, aligned
// to whole frames. size <= 0 returns a single chunk.
func splitChunks(samples []float32, size, channels int) [][]float32 {
	if size <= 0 || size >= len(samples) {
		return [][]float32{samples}
	}
	if channels > 1 {
		size -= size % channels
		if size == 0 {
			size = channels
		}
	}
	var out [][]float32
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, samples[start:end])
	}
	return out
}
