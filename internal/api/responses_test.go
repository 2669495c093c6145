package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snarg/whisper-notes/internal/engine"
)

func TestQueryPage(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"defaults", "", 50, 0, false},
		{"custom", "limit=25&offset=10", 25, 10, false},
		{"clamped", "limit=5000", 200, 0, false},
		{"limit_zero_rejected", "limit=0", 0, 0, true},
		{"negative_offset_rejected", "offset=-5", 0, 0, true},
		{"non_numeric_rejected", "limit=abc", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/?"+tt.query, nil)
			p, err := query(req).page()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("page = %+v, want %d/%d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestQueryParams(t *testing.T) {
	req := httptest.NewRequest("GET", "/?q=%20milk%20&types=error:busy,,%20recording_started&t=2026-01-15T10:30:00Z&bad=noon", nil)
	q := query(req)

	if got := q.str("q"); got != "milk" {
		t.Errorf("str = %q, want milk", got)
	}
	if got := q.str("missing"); got != "" {
		t.Errorf("str(missing) = %q", got)
	}

	got := q.list("types")
	if len(got) != 2 || got[0] != "error:busy" || got[1] != "recording_started" {
		t.Errorf("list = %q, want [error:busy recording_started]", got)
	}
	if got := q.list("missing"); got != nil {
		t.Errorf("list(missing) = %v, want nil", got)
	}

	ts, err := q.time("t")
	if err != nil || ts == nil || !ts.Equal(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("time = %v, %v", ts, err)
	}
	if ts, err := q.time("missing"); ts != nil || err != nil {
		t.Errorf("time(missing) = %v, %v; want nil, nil", ts, err)
	}
	if _, err := q.time("bad"); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("time(bad) error = %v, want one naming the parameter", err)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"msg": "ok"})

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body["msg"] != "ok" {
		t.Errorf("body = %v, want msg=ok", body)
	}

	t.Run("unencodable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteJSON(rec, http.StatusOK, map[string]float64{"x": math.NaN()})
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusUnprocessableEntity, "validation failed", "name is required")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Error != "validation failed" || body.Detail != "name is required" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteTriggerError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %q", engine.ErrUnknownAction, "pause"), http.StatusBadRequest},
		{engine.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeTriggerError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type note struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"valid", `{"name":"test"}`, "test", false},
		{"empty", "", "", false},
		{"malformed", `{bad`, "", true},
		{"unknown_field", `{"nom":"x"}`, "", true},
		{"too_large", `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			var dst note
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if dst.Name != tt.want {
				t.Errorf("Name = %q, want %q", dst.Name, tt.want)
			}
		})
	}

	t.Run("nil_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", nil)
		req.Body = nil
		var dst note
		if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err != nil {
			t.Errorf("nil body: %v", err)
		}
	})
}
