package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/whisper-notes/internal/engine"
)

// Pinger is satisfied by *database.DB.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker is satisfied by *mqttclient.Client.
type ConnChecker interface {
	IsConnected() bool
}

// ModelStatus is satisfied by *transcribe.ModelCache.
type ModelStatus interface {
	Loaded(name string) bool
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Engine        string            `json:"engine"`
	Model         string            `json:"model,omitempty"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	engine    Controller
	config    engine.ConfigProvider
	models    ModelStatus
	db        Pinger
	mqtt      ConnChecker
	version   string
	startTime time.Time
}

func NewHealthHandler(opts ServerOptions) *HealthHandler {
	return &HealthHandler{
		engine:    opts.Engine,
		config:    opts.Config,
		models:    opts.Models,
		db:        opts.DB,
		mqtt:      opts.MQTT,
		version:   opts.Version,
		startTime: opts.StartTime,
	}
}

const (
	checkOK            = "ok"
	checkNotConfigured = "not_configured"
)

// ServeHTTP reports "healthy", "degraded" when MQTT is down or the active
// model is not loaded yet, and "unhealthy" with a 503 when the database is
// unreachable.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks: map[string]string{
			"database": checkNotConfigured,
			"mqtt":     checkNotConfigured,
		},
	}
	code := http.StatusOK
	degraded := false

	if h.db != nil {
		resp.Checks["database"] = checkOK
		if err := h.db.HealthCheck(r.Context()); err != nil {
			resp.Checks["database"] = "error"
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if h.mqtt != nil {
		resp.Checks["mqtt"] = checkOK
		if !h.mqtt.IsConnected() {
			resp.Checks["mqtt"] = "disconnected"
			degraded = true
		}
	}
	if h.config != nil {
		resp.Model = h.config.ModelName()
	}
	if h.models != nil && resp.Model != "" {
		resp.Checks["model"] = "loaded"
		if !h.models.Loaded(resp.Model) {
			resp.Checks["model"] = "not_loaded"
			degraded = true
		}
	}
	if h.engine != nil {
		resp.Engine = h.engine.Snapshot().State
	}

	if degraded && resp.Status == "healthy" {
		resp.Status = "degraded"
	}
	WriteJSON(w, code, resp)
}
