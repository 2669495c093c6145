package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// ModelReloader is satisfied by *transcribe.ModelCache.
type ModelReloader interface {
	ModelStatus
	Reload(name string)
	Warm(name string)
}

type ModelsHandler struct {
	models ModelReloader
}

func NewModelsHandler(models ModelReloader) *ModelsHandler {
	return &ModelsHandler{models: models}
}

func (h *ModelsHandler) Routes(r chi.Router) {
	r.Get("/models/{name}", h.GetModel)
	r.Post("/models/{name}/reload", h.ReloadModel)
}

type modelResponse struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

// GetModel reports whether a model is resident.
func (h *ModelsHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		WriteError(w, http.StatusServiceUnavailable, "model cache not configured")
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	WriteJSON(w, http.StatusOK, modelResponse{Name: name, Loaded: h.models.Loaded(name)})
}

// ReloadModel evicts a model and starts loading it again in the background.
// A recording already holding the old model keeps it until its job ends.
func (h *ModelsHandler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		WriteError(w, http.StatusServiceUnavailable, "model cache not configured")
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		WriteError(w, http.StatusBadRequest, "model name is required")
		return
	}
	h.models.Reload(name)
	h.models.Warm(name)
	hlog.FromRequest(r).Info().Str("model", name).Msg("model reload requested over http")
	WriteJSON(w, http.StatusAccepted, modelResponse{Name: name, Loaded: false})
}
