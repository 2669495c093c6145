package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/whisper-notes/internal/engine"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

// EngineStats provides the collector access to live engine state.
type EngineStats interface {
	Snapshot() engine.Snapshot
}

// RunnerStats provides the collector access to the transcription runner.
type RunnerStats interface {
	Stats() transcribe.QueueStats
}

// ModelStats provides the collector access to model load counters.
type ModelStats interface {
	Stats() (loads, failures int64)
}

// SubscriberCounter reports live SSE subscribers.
type SubscriberCounter interface {
	SubscriberCount() int
}

// CollectorOptions wires the collector's sources. Any field may be nil.
type CollectorOptions struct {
	Engine      EngineStats
	Runner      RunnerStats
	Models      ModelStats
	Subscribers SubscriberCounter
	Pool        *pgxpool.Pool
}

var engineStates = []string{
	engine.StateIdle.String(),
	engine.StateRecording.String(),
	engine.StateTranscribing.String(),
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	opts CollectorOptions

	// Descriptors for scrape-time gauges.
	engineState     *prometheus.Desc
	inputLevel      *prometheus.Desc
	recordingSecs   *prometheus.Desc
	runnerPending   *prometheus.Desc
	runnerRunning   *prometheus.Desc
	jobsCompleted   *prometheus.Desc
	jobsFailed      *prometheus.Desc
	modelLoads      *prometheus.Desc
	modelFailures   *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
func NewCollector(opts CollectorOptions) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		opts:            opts,
		engineState:     desc("engine", "state", "1 for the current engine state.", "state"),
		inputLevel:      desc("engine", "input_level", "RMS of the most recent audio block while recording."),
		recordingSecs:   desc("engine", "recording_elapsed_seconds", "Elapsed time of the current recording."),
		runnerPending:   desc("runner", "pending_jobs", "Jobs waiting for the transcription worker."),
		runnerRunning:   desc("runner", "running", "1 while a transcription job is running."),
		jobsCompleted:   desc("runner", "jobs_completed_total", "Transcription jobs that succeeded."),
		jobsFailed:      desc("runner", "jobs_failed_total", "Transcription jobs that failed."),
		modelLoads:      desc("models", "loads_total", "Model load attempts."),
		modelFailures:   desc("models", "load_failures_total", "Failed model loads."),
		sseSubscribers:  desc("", "sse_subscribers_active", "Current number of SSE subscribers."),
		dbTotalConns:    desc("db_pool", "total_conns", "Total database pool connections."),
		dbAcquiredConns: desc("db_pool", "acquired_conns", "Database pool connections currently in use."),
		dbIdleConns:     desc("db_pool", "idle_conns", "Database pool idle connections."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.engineState
	ch <- c.inputLevel
	ch <- c.recordingSecs
	ch <- c.runnerPending
	ch <- c.runnerRunning
	ch <- c.jobsCompleted
	ch <- c.jobsFailed
	ch <- c.modelLoads
	ch <- c.modelFailures
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	// Engine state
	var snap engine.Snapshot
	if c.opts.Engine != nil {
		snap = c.opts.Engine.Snapshot()
	}
	for _, s := range engineStates {
		v := 0.0
		if s == snap.State {
			v = 1
		}
		gauge(c.engineState, v, s)
	}
	gauge(c.inputLevel, float64(snap.Level))
	gauge(c.recordingSecs, snap.Elapsed)

	// Runner
	var rs transcribe.QueueStats
	if c.opts.Runner != nil {
		rs = c.opts.Runner.Stats()
	}
	running := 0.0
	if rs.Running {
		running = 1
	}
	gauge(c.runnerPending, float64(rs.Pending))
	gauge(c.runnerRunning, running)
	counter(c.jobsCompleted, float64(rs.Completed))
	counter(c.jobsFailed, float64(rs.Failed))

	// Models
	var loads, failures int64
	if c.opts.Models != nil {
		loads, failures = c.opts.Models.Stats()
	}
	counter(c.modelLoads, float64(loads))
	counter(c.modelFailures, float64(failures))

	subs := 0
	if c.opts.Subscribers != nil {
		subs = c.opts.Subscribers.SubscriberCount()
	}
	gauge(c.sseSubscribers, float64(subs))

	// Database pool stats
	if c.opts.Pool != nil {
		stat := c.opts.Pool.Stat()
		gauge(c.dbTotalConns, float64(stat.TotalConns()))
		gauge(c.dbAcquiredConns, float64(stat.AcquiredConns()))
		gauge(c.dbIdleConns, float64(stat.IdleConns()))
	} else {
		gauge(c.dbTotalConns, 0)
		gauge(c.dbAcquiredConns, 0)
		gauge(c.dbIdleConns, 0)
	}
}
