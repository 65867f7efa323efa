package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		secrets []string
		leak    string
	}{
		{
			name: "openai key in upstream message",
			in:   "Incorrect API key provided: sk-proj-abcdefghijklmnop",
			leak: "sk-proj-abcdefghijklmnop",
		},
		{
			name: "proxy key",
			in:   "key art_AbCdEfGhIjKlMnOp was rejected",
			leak: "art_AbCdEfGhIjKlMnOp",
		},
		{
			name: "bearer header",
			in:   "Authorization: Bearer abc.def-ghi",
			leak: "abc.def-ghi",
		},
		{
			name: "query string key",
			in:   `Post "https://example.test/v1?key=plain-secret&alt=sse": EOF`,
			leak: "plain-secret",
		},
		{
			name:    "explicit secret",
			in:      "upstream echoed my-vendor-credential back",
			secrets: []string{"my-vendor-credential"},
			leak:    "my-vendor-credential",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in, tt.secrets...)
			if strings.Contains(got, tt.leak) {
				t.Errorf("Redact(%q) = %q, still contains %q", tt.in, got, tt.leak)
			}
			if !strings.Contains(got, redacted) {
				t.Errorf("Redact(%q) = %q, want redaction marker", tt.in, got)
			}
		})
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "upstream returned status 503"
	if got := Redact(in); got != in {
		t.Errorf("Redact() = %q, want unchanged", got)
	}
}

func TestRequestLoggerWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["path"] != "/health" {
		t.Errorf("path = %v, want /health", line["path"])
	}
	if line["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want 418", line["status"])
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
}
