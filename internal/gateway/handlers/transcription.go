package handlers

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// maxAudioBytes is the upload cap; audio is buffered whole so fallback
// attempts can replay it
const maxAudioBytes = 25 << 20

// multipartOverhead leaves room for form fields around the file part
const multipartOverhead = 1 << 20

// TranscriptionResponse is the json and verbose_json body
type TranscriptionResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language,omitempty"`
	Duration float64         `json:"duration,omitempty"`
	Proxy    *usage.Metadata `json:"_proxy"`
}

// HandleTranscription handles POST /v1/audio/transcriptions
func (h *Handler) HandleTranscription(w http.ResponseWriter, r *http.Request) {
	c, ok := h.begin(w, r, providers.CapabilityTranscription)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, c.env, apiError{Status: http.StatusRequestEntityTooLarge, Type: "invalid_request_error", Message: "audio file exceeds 25 MB"})
			return
		}
		writeError(w, c.env, badRequest("expected multipart/form-data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, c.env, badRequest("file is required"))
		return
	}
	defer file.Close()
	if header.Size > maxAudioBytes {
		writeError(w, c.env, apiError{Status: http.StatusRequestEntityTooLarge, Type: "invalid_request_error", Message: "audio file exceeds 25 MB"})
		return
	}
	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, c.env, badRequest("could not read file"))
		return
	}

	format := r.FormValue("response_format")
	switch format {
	case "":
		format = "json"
	case "json", "text", "verbose_json":
	default:
		writeError(w, c.env, badRequest("response_format must be json, text or verbose_json"))
		return
	}

	req := providers.TranscriptionRequest{
		Model:          r.FormValue("model"),
		Audio:          audio,
		Filename:       header.Filename,
		Language:       r.FormValue("language"),
		Prompt:         r.FormValue("prompt"),
		ResponseFormat: format,
		Provider:       r.FormValue("provider"),
	}
	if t := r.FormValue("temperature"); t != "" {
		v, err := strconv.ParseFloat(t, 32)
		if err != nil {
			writeError(w, c.env, badRequest("temperature must be a number"))
			return
		}
		req.Temperature = float32(v)
	}
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}

	resp, res, err := h.router.RouteTranscription(r.Context(), c.scope, req)
	if err != nil {
		h.fail(w, c, res, err)
		return
	}

	meta := h.succeed(w, c, res, audioTokens(resp.Duration))
	meta.DurationSeconds = resp.Duration

	switch format {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, resp.Text)
	case "verbose_json":
		writeJSON(w, http.StatusOK, TranscriptionResponse{Text: resp.Text, Language: resp.Language, Duration: resp.Duration, Proxy: meta})
	default:
		writeJSON(w, http.StatusOK, TranscriptionResponse{Text: resp.Text, Proxy: meta})
	}
}

// audioTokens bills one input token per started second of audio
func audioTokens(seconds float64) models.TokenUsage {
	if seconds <= 0 {
		return models.TokenUsage{}
	}
	return models.TokenUsage{Input: int(math.Ceil(seconds))}
}
