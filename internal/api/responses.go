package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snarg/whisper-notes/internal/engine"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	maxBodyBytes     = 64 << 10
)

// WriteJSON encodes v before touching the response so an encoding failure
// still produces a well-formed 500.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// writeTriggerError maps an error from Controller.Trigger to a status.
func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownAction):
		WriteErrorDetail(w, http.StatusBadRequest, "unknown action", "want start, stop or toggle")
	case errors.Is(err, engine.ErrClosed):
		WriteError(w, http.StatusServiceUnavailable, "engine is shutting down")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// ListResponse wraps one page of a collection.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Page is a parsed limit/offset pair.
type Page struct {
	Limit  int
	Offset int
}

// queryParams reads typed values out of a request's query string. Absent
// parameters yield zero values; malformed ones yield errors naming the
// parameter.
type queryParams struct {
	url.Values
}

func query(r *http.Request) queryParams {
	return queryParams{r.URL.Query()}
}

func (q queryParams) str(name string) string {
	return strings.TrimSpace(q.Get(name))
}

// list splits a comma-separated parameter, dropping empty entries.
func (q queryParams) list(name string) []string {
	var out []string
	for _, p := range strings.Split(q.Get(name), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (q queryParams) time(name string) (*time.Time, error) {
	v := q.str(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: want RFC 3339", name, v)
	}
	return &t, nil
}

func (q queryParams) intMin(name string, def, min int) (int, error) {
	v := q.str(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", name, v)
	}
	if n < min {
		return 0, fmt.Errorf("invalid %s %d: must be >= %d", name, n, min)
	}
	return n, nil
}

// page parses limit and offset. Limits above maxPageLimit are clamped.
func (q queryParams) page() (Page, error) {
	limit, err := q.intMin("limit", defaultPageLimit, 1)
	if err != nil {
		return Page{}, err
	}
	offset, err := q.intMin("offset", 0, 0)
	if err != nil {
		return Page{}, err
	}
	return Page{Limit: min(limit, maxPageLimit), Offset: offset}, nil
}

// DecodeJSON decodes an optional JSON body into v. An empty body leaves v
// untouched; unknown fields and bodies over 64 KiB are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
