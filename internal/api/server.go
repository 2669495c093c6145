package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/engine"
	"github.com/snarg/whisper-notes/internal/metrics"
)

// ServerOptions wires the HTTP API. Engine is required; the rest are
// optional and their endpoints report "not configured" when nil.
type ServerOptions struct {
	Addr         string
	AuthToken    string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Engine      Controller
	Config      engine.ConfigProvider
	Events      EventSource
	Transcripts TranscriptStore
	Queue       QueueStatsSource
	Models      ModelStatus
	Reloader    ModelReloader
	DB          Pinger
	MQTT        ConnChecker

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(opts),
			ReadHeaderTimeout: opts.ReadTimeout,
			ReadTimeout:       opts.ReadTimeout,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the handler tree. /metrics and /api/v1/health are open;
// everything else sits behind BearerAuth.
func NewRouter(opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORS(opts.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", NewHealthHandler(opts).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(opts.AuthToken))
			NewRecordingHandler(opts.Engine).Routes(r)
			NewTranscriptsHandler(opts.Transcripts, opts.Queue).Routes(r)
			NewEventsHandler(opts.Events).Routes(r)
			NewModelsHandler(opts.Reloader).Routes(r)
		})
	})

	return r
}

// Start serves until Shutdown, which makes it return nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http api listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// SSE streams end when their request context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http api shutting down")
	return s.http.Shutdown(ctx)
}
