package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/tenant"
)

// statusClientClosed is logged when the caller went away mid-request
const statusClientClosed = 499

// apiError is the client-facing form of a failure
type apiError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// passthrough lists upstream 4xx statuses returned to the caller as-is
var passthrough = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusNotFound:              true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
}

// classify maps a pipeline error to its HTTP status and envelope fields.
// Unknown errors never leak their text.
func classify(err error) apiError {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return apiError{Status: http.StatusUnauthorized, Type: "authentication_error", Code: string(authErr.Kind), Message: authErr.Error()}
	}

	var scopeErr *tenant.Error
	if errors.As(err, &scopeErr) {
		return apiError{Status: http.StatusForbidden, Type: "permission_error", Code: string(scopeErr.Kind), Message: "api key group is not available"}
	}

	var perr *providers.Error
	if errors.As(err, &perr) {
		e := apiError{Code: string(perr.Kind), Message: perr.Error()}
		switch perr.Kind {
		case providers.KindNoCredential:
			e.Status, e.Type = http.StatusBadRequest, "invalid_request_error"
		case providers.KindInvalidRequest:
			e.Status, e.Type = http.StatusBadRequest, "invalid_request_error"
		case providers.KindTimeout:
			e.Status, e.Type = http.StatusGatewayTimeout, "timeout_error"
		case providers.KindUpstream4xx:
			e.Status, e.Type = http.StatusBadGateway, "upstream_error"
			if passthrough[perr.StatusCode] {
				e.Status = perr.StatusCode
			}
		case providers.KindUpstream5xx, providers.KindTransport, providers.KindUnavailable:
			e.Status, e.Type = http.StatusBadGateway, "upstream_error"
		case providers.KindAllProvidersFailed:
			e.Status, e.Type = http.StatusServiceUnavailable, "all_providers_failed"
		case providers.KindCanceled:
			e.Status, e.Type = statusClientClosed, "canceled"
		default:
			e.Status, e.Type, e.Message = http.StatusInternalServerError, "internal_error", "internal server error"
		}
		return e
	}

	return apiError{Status: http.StatusInternalServerError, Type: "internal_error", Message: "internal server error"}
}

func badRequest(msg string) apiError {
	return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: msg}
}

// envelope selects the error body shape for an endpoint
type envelope int

const (
	openAIEnvelope envelope = iota
	anthropicEnvelope
)

func envelopeFor(r *http.Request) envelope {
	if r.URL.Path == "/v1/messages" {
		return anthropicEnvelope
	}
	return openAIEnvelope
}

func writeError(w http.ResponseWriter, env envelope, e apiError) {
	if env == anthropicEnvelope {
		writeJSON(w, e.Status, map[string]any{
			"type":  "error",
			"error": map[string]string{"type": e.Type, "message": e.Message},
		})
		return
	}
	writeJSON(w, e.Status, map[string]apiError{"error": e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
