package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/logging"
)

// Kind classifies provider failures
type Kind string

const (
	KindNoCredential       Kind = "no_credential"
	KindTimeout            Kind = "timeout"
	KindUpstream4xx        Kind = "upstream_4xx"
	KindUpstream5xx        Kind = "upstream_5xx"
	KindTransport          Kind = "transport"
	KindUnavailable        Kind = "unavailable"
	KindAllProvidersFailed Kind = "all_providers_failed"
	KindInvalidRequest     Kind = "invalid_request"
	KindCanceled           Kind = "canceled"
)

const maxMessageLen = 300

// Error is a provider failure. Message is already scrubbed of credential
// material; Cause is kept for errors.Is and never rendered.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string

	// Set on KindAllProvidersFailed
	Attempts int
	Last     *Error

	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindAllProvidersFailed && e.Last != nil:
		return fmt.Sprintf("all providers failed after %d attempts; last: %s", e.Attempts, e.Last.Error())
	case e.Provider != "":
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrNoCredential       = &Error{Kind: KindNoCredential}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrUpstream4xx        = &Error{Kind: KindUpstream4xx}
	ErrUpstream5xx        = &Error{Kind: KindUpstream5xx}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrUnavailable        = &Error{Kind: KindUnavailable}
	ErrAllProvidersFailed = &Error{Kind: KindAllProvidersFailed}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrCanceled           = &Error{Kind: KindCanceled}
)

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func sanitize(msg string, cred Credential) string {
	msg = logging.Redact(msg, cred.APIKey.Reveal())
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}

// statusError classifies a non-2xx upstream response
func statusError(provider string, status int, body []byte, cred Credential) *Error {
	kind := KindUpstream4xx
	if status >= 500 {
		kind = KindUpstream5xx
	}
	return &Error{
		Kind:       kind,
		Provider:   provider,
		StatusCode: status,
		Message:    sanitize(fmt.Sprintf("upstream returned status %d: %s", status, body), cred),
	}
}

// transportError classifies a failure with no upstream status
func transportError(provider string, err error, cred Credential) *Error {
	kind := KindTransport
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	}
	return &Error{
		Kind:     kind,
		Provider: provider,
		Message:  sanitize(err.Error(), cred),
		Cause:    err,
	}
}

// openAIError classifies errors returned by the go-openai client
func openAIError(provider string, err error, cred Credential) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		e := statusError(provider, apiErr.HTTPStatusCode, []byte(apiErr.Message), cred)
		e.Cause = err
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		e := statusError(provider, reqErr.HTTPStatusCode, reqErr.Body, cred)
		e.Cause = err
		return e
	}
	return transportError(provider, err, cred)
}

// countsAgainstProvider reports whether err should trip the provider's
// breaker. Client-side 4xx and cancellations do not.
func countsAgainstProvider(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return true
	}
	switch perr.Kind {
	case KindUpstream4xx, KindCanceled, KindInvalidRequest, KindNoCredential:
		return false
	}
	return true
}
