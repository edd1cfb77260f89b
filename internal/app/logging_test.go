package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestWithAccessLog(t *testing.T) {
	var logged map[string]any
	handler := slog.NewJSONHandler(&jsonCapture{dst: &logged}, nil)
	logger := slog.New(handler)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})

	rec := httptest.NewRecorder()
	withAccessLog(logger, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rec.Code)
	}
	if logged["msg"] != "http_request" {
		t.Fatalf("log msg=%v", logged["msg"])
	}
	if logged["path"] != "/v1/stats" {
		t.Fatalf("log path=%v", logged["path"])
	}
	if logged["status"] != float64(http.StatusTeapot) {
		t.Fatalf("log status=%v", logged["status"])
	}
}

type jsonCapture struct {
	dst *map[string]any
}

func (c *jsonCapture) Write(p []byte) (int, error) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return 0, err
	}
	*c.dst = m
	return len(p), nil
}
