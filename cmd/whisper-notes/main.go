package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	whispernotes "github.com/snarg/whisper-notes"
	"github.com/snarg/whisper-notes/internal/api"
	"github.com/snarg/whisper-notes/internal/audio"
	"github.com/snarg/whisper-notes/internal/audio/portaudio"
	"github.com/snarg/whisper-notes/internal/config"
	"github.com/snarg/whisper-notes/internal/database"
	"github.com/snarg/whisper-notes/internal/engine"
	"github.com/snarg/whisper-notes/internal/events"
	"github.com/snarg/whisper-notes/internal/metrics"
	"github.com/snarg/whisper-notes/internal/mqttclient"
	"github.com/snarg/whisper-notes/internal/storage"
	"github.com/snarg/whisper-notes/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.AudioSource, "source", "", "audio source: portaudio, tone or file")
	flag.StringVar(&overrides.AudioFile, "file", "", "WAV file to import when -source=file")
	flag.StringVar(&overrides.ModelName, "model", "", "whisper model name")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("whisper-notes starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audio source
	var source audio.Source
	switch strings.ToLower(cfg.AudioSource) {
	case "portaudio":
		pa := portaudio.NewSource(log)
		defer pa.Terminate()
		source = pa
	case "tone":
		source = &audio.ToneSource{Frequency: 440, Amplitude: 0.2}
	case "file":
		source = &audio.WAVSource{Path: cfg.AudioFile}
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BlockSize: cfg.BlockSize}

	// Models
	txLog := log.With().Str("component", "transcribe").Logger()
	var sox *transcribe.Sox
	if cfg.PreprocessAudio {
		if sox, err = transcribe.LookupSox(); err != nil {
			txLog.Warn().Err(err).Msg("PREPROCESS_AUDIO set, uploading raw audio")
		}
	}
	loader := &transcribe.WhisperLoader{
		URL:     cfg.WhisperURL,
		Timeout: cfg.WhisperTimeout,
		Opts: transcribe.TranscribeOpts{
			Temperature: cfg.WhisperTemperature,
			Language:    cfg.WhisperLanguage,
			Prompt:      cfg.WhisperPrompt,
			BeamSize:    cfg.WhisperBeamSize,
			VadFilter:   cfg.WhisperVADFilter,
		},
		WarmUp: cfg.ModelWarmup,
		Sox:    sox,
		Log:    txLog,
	}
	models := transcribe.NewModelCache(loader, cfg.ModelLoadTimeout, txLog)

	runner := transcribe.NewRunner(transcribe.RunnerOptions{
		ChunkDuration: cfg.ChunkDuration,
		OnComplete:    metrics.ObserveJob,
		Log:           txLog,
	})
	runner.Start()

	// Live settings
	live := config.NewLiveProvider(config.LiveOptions{
		EnvFile:     cfg.EnvFile,
		MaxDuration: cfg.MaxRecordingDuration,
		ModelName:   cfg.ModelName,
		OnChange: func(_ time.Duration, model string) {
			if cfg.PreloadModel {
				models.Warm(model)
			}
		},
		Log: log,
	})
	if err := live.Start(); err != nil {
		log.Warn().Err(err).Msg("env file watcher disabled")
	}

	bus := events.NewBus(0)
	listeners := engine.Listeners{metrics.Listener{}, bus}
	var services []storage.BackgroundService

	// Database (optional)
	var db *database.DB
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.InitSchema(ctx, whispernotes.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		pool = db.Pool
		listeners = append(listeners, database.NewSink(db, 5*time.Second, dbLog))
		if cfg.TranscriptRetention > 0 {
			services = append(services, database.NewRetention(db, cfg.TranscriptRetention, dbLog))
		}
	}

	// MQTT (optional)
	var mq *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mq, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		listeners = append(listeners, mqttclient.NewPublisher(mq, mqttLog))
	}

	// Recording archive (optional)
	storageLog := log.With().Str("component", "storage").Logger()
	store, storeServices, err := storage.New(ctx, storage.Options{
		Dir: cfg.ArchiveDir,
		S3: storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		},
	}, storageLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize recording archive")
	}
	services = append(services, storeServices...)
	var archiver *storage.Archiver
	if store != nil {
		archiver = storage.NewArchiver(store, 8, storageLog)
		archiver.Start(1)
		listeners = append(listeners, archiver)
	}

	// Engine
	orch, err := engine.New(engine.Options{
		Source:           source,
		Format:           format,
		Config:           live,
		Models:           models,
		Runner:           runner,
		Listener:         listeners,
		QueueDuration:    cfg.QueueDuration,
		SilenceThreshold: cfg.SilenceThreshold,
		DrainTimeout:     cfg.DrainTimeout,
		JobTimeout:       cfg.JobTimeout,
		WatchdogInterval: cfg.WatchdogInterval,
		WatchdogMargin:   cfg.WatchdogMargin,
		Log:              log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}
	if mq != nil {
		mq.SetMessageHandler(mqttclient.CommandHandler(orch, log.With().Str("component", "mqtt").Logger()))
	}
	if cfg.PreloadModel {
		models.Warm(live.ModelName())
	}

	prometheus.MustRegister(metrics.NewCollector(metrics.CollectorOptions{
		Engine:      orch,
		Runner:      runner,
		Models:      models,
		Subscribers: bus,
		Pool:        pool,
	}))

	for _, svc := range services {
		svc.Start()
	}

	// HTTP Server
	srvOpts := api.ServerOptions{
		Addr:         cfg.HTTPAddr,
		AuthToken:    cfg.AuthToken,
		CORSOrigins:  cfg.CORSOrigins,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		Engine:       orch,
		Config:       live,
		Events:       bus,
		Queue:        runner,
		Models:       models,
		Reloader:     models,
		Version:      version,
		StartTime:    startTime,
		Log:          log.With().Str("component", "http").Logger(),
	}
	// Only set optional interfaces when the backend exists; a typed nil
	// would read as configured.
	if db != nil {
		srvOpts.Transcripts = db
		srvOpts.DB = db
	}
	if mq != nil {
		srvOpts.MQTT = mq
	}
	srv := api.NewServer(srvOpts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := orch.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown error")
	}
	runner.Stop()
	if archiver != nil {
		archiver.Stop()
	}
	for _, svc := range services {
		svc.Stop()
	}
	live.Stop()
	if mq != nil {
		mq.Close()
	}

	log.Info().Msg("whisper-notes stopped")
}
