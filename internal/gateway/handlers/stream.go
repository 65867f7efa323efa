package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// sseWriter renders a committed chat stream in one client dialect
type sseWriter interface {
	chunk(c openai.ChatCompletionStreamResponse) error
	done(tokens models.TokenUsage, meta *usage.Metadata) error
	fail(e apiError) error
}

// writeMeta emits the _proxy block as an SSE comment, which clients that
// only parse data lines skip
func writeMeta(w io.Writer, meta *usage.Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, ": _proxy %s\n\n", data)
	return err
}

// openAISSE writes OpenAI chat.completion.chunk events
type openAISSE struct {
	w io.Writer
}

func (s *openAISSE) chunk(c openai.ChatCompletionStreamResponse) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	return err
}

func (s *openAISSE) done(_ models.TokenUsage, meta *usage.Metadata) error {
	if err := writeMeta(s.w, meta); err != nil {
		return err
	}
	_, err := fmt.Fprint(s.w, "data: [DONE]\n\n")
	return err
}

func (s *openAISSE) fail(e apiError) error {
	data, _ := json.Marshal(map[string]apiError{"error": e})
	_, err := fmt.Fprintf(s.w, "data: %s\n\n", data)
	return err
}

// anthropicSSE writes Anthropic Messages stream events
type anthropicSSE struct {
	w       io.Writer
	started bool
	finish  string
}

func (s *anthropicSSE) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func (s *anthropicSSE) start(id, model string) error {
	s.started = true
	err := s.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"content": []any{},
			"model":   model,
			"usage":   map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
	if err != nil {
		return err
	}
	return s.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
}

func (s *anthropicSSE) chunk(c openai.ChatCompletionStreamResponse) error {
	if !s.started {
		if err := s.start(c.ID, c.Model); err != nil {
			return err
		}
	}
	for _, choice := range c.Choices {
		if choice.FinishReason != "" {
			s.finish = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		err := s.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": choice.Delta.Content},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *anthropicSSE) done(tokens models.TokenUsage, meta *usage.Metadata) error {
	if !s.started {
		if err := s.start("", ""); err != nil {
			return err
		}
	}
	if err := s.event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
		return err
	}
	stop := providers.StopReason(s.finish)
	if stop == "" {
		stop = "end_turn"
	}
	err := s.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
		"usage": map[string]int{"input_tokens": tokens.Input, "output_tokens": tokens.Output},
	})
	if err != nil {
		return err
	}
	if err := writeMeta(s.w, meta); err != nil {
		return err
	}
	return s.event("message_stop", map[string]string{"type": "message_stop"})
}

func (s *anthropicSSE) fail(e apiError) error {
	return s.event("error", map[string]any{
		"type":  "error",
		"error": map[string]string{"type": e.Type, "message": e.Message},
	})
}

// relay opens a routed chat stream and copies it to the client. Once text
// has reached the client the call is billed even if it ends early; counts the
// upstream never reported are estimated.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, c *call, req providers.ChatRequest, sw sseWriter) {
	ctx := r.Context()
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, c.env, apiError{Status: http.StatusInternalServerError, Type: "internal_error", Message: "streaming not supported"})
		return
	}

	stream, err := h.router.RouteChatStream(ctx, c.scope, req)
	if err != nil {
		var res *providers.Result
		if stream != nil {
			res = stream.Result
		}
		h.fail(w, c, res, err)
		return
	}
	defer stream.Close()
	res := stream.Result

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Provider", res.Provider)
	w.Header().Set("X-Fallback-Used", strconv.FormatBool(res.FallbackUsed))
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)

	var (
		relayed   strings.Builder
		streamErr error
		writeErr  error
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if writeErr = sw.chunk(chunk); writeErr != nil {
			break
		}
		for _, choice := range chunk.Choices {
			relayed.WriteString(choice.Delta.Content)
		}
		flusher.Flush()
	}

	res.Latency = time.Since(start)
	tokens := providers.TokensFromUsage(stream.Usage())

	if writeErr == nil && streamErr == nil {
		cost := h.account(c, res, tokens, models.StatusSuccess, http.StatusOK, nil)
		h.metrics.RecordRequest(string(c.capability), "success")
		_ = sw.done(tokens, usage.NewMetadata(c.requestID, res, cost))
		flusher.Flush()
		return
	}

	// ended early: bill what the upstream already produced
	billable := tokens.Any() || relayed.Len() > 0
	var estimated bool
	if relayed.Len() > 0 {
		tokens, estimated = usage.FillEstimates(tokens, req.Messages, relayed.String())
	}

	if writeErr != nil || ctx.Err() != nil {
		if billable {
			h.account(c, res, tokens, models.StatusAborted, statusClientClosed, partialError("client disconnected", estimated))
		}
		h.metrics.RecordRequest(string(c.capability), string(providers.KindCanceled))
		return
	}

	e := classify(streamErr)
	if billable {
		h.account(c, res, tokens, models.StatusFailed, e.Status, partialError(streamErr.Error(), estimated))
	}
	h.metrics.RecordRequest(string(c.capability), "stream_error")
	h.logger.Warn("stream failed after first chunk",
		"request_id", c.requestID,
		"provider", res.Provider,
		"error", streamErr)
	_ = sw.fail(e)
	flusher.Flush()
}

func partialError(msg string, estimated bool) error {
	if estimated {
		msg += " (token counts estimated)"
	}
	return errors.New(msg)
}
