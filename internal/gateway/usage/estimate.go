package usage

import (
	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// charsPerToken is the rough English average used when an upstream stopped
// before reporting usage
const charsPerToken = 4.0

// EstimateText returns a character-based token estimate, at least 1 for
// non-empty text
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(len(text))/charsPerToken + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessages estimates prompt tokens including per-message framing
func EstimateMessages(messages []openai.ChatCompletionMessage) int {
	if len(messages) == 0 {
		return 0
	}
	total := 3
	for _, m := range messages {
		total += 4 + EstimateText(m.Content)
	}
	return total
}

// FillEstimates completes reported usage for a stream that ended early. Input
// is estimated from the prompt when the upstream never reported it and output
// from the relayed text. It reports whether anything was estimated.
func FillEstimates(reported models.TokenUsage, prompt []openai.ChatCompletionMessage, relayed string) (models.TokenUsage, bool) {
	out := reported
	estimated := false
	if out.Input == 0 {
		if n := EstimateMessages(prompt); n > 0 {
			out.Input = n
			estimated = true
		}
	}
	if out.Output == 0 {
		if n := EstimateText(relayed); n > 0 {
			out.Output = n
			estimated = true
		}
	}
	return out, estimated
}
