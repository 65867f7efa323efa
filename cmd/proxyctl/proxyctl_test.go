package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

func TestCheckProvider(t *testing.T) {
	catalog := providers.DefaultCatalog()
	tests := []struct {
		name    string
		wantErr string
	}{
		{"openai", ""},
		{"voyage", ""},
		{"ollama", "takes no key"},
		{"mistral", "unknown provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkProvider(catalog, tt.name)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("checkProvider() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("checkProvider() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWritePricing(t *testing.T) {
	var buf bytes.Buffer
	err := writePricing(&buf, []models.ModelPricing{{
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		InputPer1kTokens:  decimal.RequireFromString("0.00015"),
		OutputPer1kTokens: decimal.RequireFromString("0.0006"),
	}})
	if err != nil {
		t.Fatalf("writePricing() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "PROVIDER") {
		t.Errorf("header = %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); strings.Join(fields, " ") != "openai gpt-4o-mini 0.00015 0.0006 0" {
		t.Errorf("row = %q", lines[1])
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"keys", "create"},
		{"keys", "reveal"},
		{"keys", "revoke"},
		{"provider-keys", "add"},
		{"provider-keys", "revoke"},
		{"pricing", "list"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("Find(%v) = %v, %v", path, cmd, err)
		}
	}
}
