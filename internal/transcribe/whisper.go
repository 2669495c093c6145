package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-notes/internal/audio"
)

// TranscribeOpts are per-request options for the Whisper API. Zero values
// are left out of the request so the server default applies.
type TranscribeOpts struct {
	Temperature float64
	Language    string
	Prompt      string // domain vocabulary hint
	BeamSize    int
	VadFilter   bool
}

// WhisperResponse is the subset of a verbose_json response we use.
type WhisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// APIError is a non-2xx reply from the Whisper server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whisper api: status %d: %s", e.StatusCode, e.Body)
}

const maxErrorBody = 512

// WhisperClient posts audio to an OpenAI-compatible
// /v1/audio/transcriptions endpoint (speaches, faster-whisper-server and
// similar).
type WhisperClient struct {
	url   string
	model string
	http  *http.Client
}

func NewWhisperClient(url, model string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{url: url, model: model, http: &http.Client{Timeout: timeout}}
}

// formFields returns the non-file form fields in the order they are sent.
func (c *WhisperClient) formFields(opts TranscribeOpts) [][2]string {
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	fields := [][2]string{
		{"language", lang},
		{"response_format", "verbose_json"},
		{"temperature", strconv.FormatFloat(opts.Temperature, 'f', 2, 64)},
	}
	if c.model != "" {
		fields = append(fields, [2]string{"model", c.model})
	}
	if opts.Prompt != "" {
		fields = append(fields, [2]string{"prompt", opts.Prompt})
	}
	if opts.BeamSize > 0 {
		fields = append(fields, [2]string{"beam_size", strconv.Itoa(opts.BeamSize)})
	}
	if opts.VadFilter {
		fields = append(fields, [2]string{"vad_filter", "true"})
	}
	return fields
}

// Transcribe uploads one WAV file and decodes the reply.
func (c *WhisperClient) Transcribe(ctx context.Context, filename string, wav []byte, opts TranscribeOpts) (*WhisperResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	for _, f := range c.formFields(opts) {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	var out WhisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	return &out, nil
}

var modelAliases = map[string]string{
	"base":   "base.en",
	"small":  "small.en",
	"medium": "medium.en",
	"large":  "large-v3",
}

// ResolveModelName maps short names to the checkpoint the server expects.
// Unknown names pass through.
func ResolveModelName(name string) string {
	if alias, ok := modelAliases[name]; ok {
		return alias
	}
	return name
}

// WhisperModel is a Model served by a Whisper HTTP endpoint.
type WhisperModel struct {
	name   string
	client *WhisperClient
	opts   TranscribeOpts
	sox    *Sox
	log    zerolog.Logger
}

func (m *WhisperModel) Name() string { return m.name }

func (m *WhisperModel) Transcribe(ctx context.Context, samples []float32, format audio.Format) (*Response, error) {
	wav, err := audio.WAVBytes(samples, format.SampleRate, format.Channels)
	if err != nil {
		return nil, err
	}
	if m.sox != nil {
		if cleaned, err := m.sox.Process(ctx, wav); err != nil {
			m.log.Warn().Err(err).Msg("preprocessing failed, sending raw audio")
		} else {
			wav = cleaned
		}
	}

	resp, err := m.client.Transcribe(ctx, "chunk.wav", wav, m.opts)
	if err != nil {
		return nil, err
	}
	return &Response{Text: resp.Text, Language: resp.Language, Duration: resp.Duration}, nil
}

// WhisperLoader builds WhisperModels. With WarmUp set, a model only counts
// as loaded once it has transcribed a second of silence, which also makes
// the server pull the checkpoint into memory.
type WhisperLoader struct {
	URL     string
	Timeout time.Duration
	Opts    TranscribeOpts
	WarmUp  bool
	Sox     *Sox // nil uploads raw audio
	Log     zerolog.Logger
}

func (l *WhisperLoader) Load(ctx context.Context, name string) (Model, error) {
	if l.URL == "" {
		return nil, fmt.Errorf("no whisper url configured")
	}
	resolved := ResolveModelName(name)
	m := &WhisperModel{
		name:   resolved,
		client: NewWhisperClient(l.URL, resolved, l.Timeout),
		opts:   l.Opts,
		sox:    l.Sox,
		log:    l.Log.With().Str("model", resolved).Logger(),
	}
	if !l.WarmUp {
		return m, nil
	}

	start := time.Now()
	silence := audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 16000}
	if _, err := m.Transcribe(ctx, make([]float32, silence.SampleRate), silence); err != nil {
		return nil, fmt.Errorf("warm-up %s: %w", resolved, err)
	}
	m.log.Info().Dur("warmup", time.Since(start)).Msg("whisper model warmed up")
	return m, nil
}
