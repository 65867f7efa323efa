package usage

import (
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

func TestEstimateText(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"Hel", 1},
		{"Hello, world", 3},
		{"0123456789", 3},
	}
	for _, tt := range tests {
		if got := EstimateText(tt.text); got != tt.want {
			t.Errorf("EstimateText(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestFillEstimates(t *testing.T) {
	prompt := []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}

	tests := []struct {
		name          string
		reported      models.TokenUsage
		relayed       string
		want          models.TokenUsage
		wantEstimated bool
	}{
		{
			name:     "reported usage kept",
			reported: models.TokenUsage{Input: 25, Output: 7},
			relayed:  "Hello",
			want:     models.TokenUsage{Input: 25, Output: 7},
		},
		{
			name:          "output from relayed text",
			reported:      models.TokenUsage{Input: 25},
			relayed:       "Hello, world",
			want:          models.TokenUsage{Input: 25, Output: 3},
			wantEstimated: true,
		},
		{
			name:          "nothing reported",
			relayed:       "Hel",
			want:          models.TokenUsage{Input: 8, Output: 1},
			wantEstimated: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, estimated := FillEstimates(tt.reported, prompt, tt.relayed)
			if got != tt.want || estimated != tt.wantEstimated {
				t.Errorf("FillEstimates() = %+v, %v; want %+v, %v", got, estimated, tt.want, tt.wantEstimated)
			}
		})
	}
}
