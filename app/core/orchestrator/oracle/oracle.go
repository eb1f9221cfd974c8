// Package oracle abstracts the reasoning model behind a single completion
// interface. The orchestration state machine never branches on which backend
// is wired in; tests substitute a scripted stub.
package oracle

import (
	"context"
	"fmt"
	"strings"
)

type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

type Response struct {
	Text       string
	TokensUsed int64
}

type Oracle interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// New builds an oracle for the configured backend name.
func New(backend string, apiKey string, model string, maxTokens int) (Oracle, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "anthropic":
		return NewAnthropicOracle(apiKey, model, maxTokens), nil
	case "openai":
		return NewOpenAIOracle(apiKey, model, maxTokens), nil
	default:
		return nil, fmt.Errorf("unknown oracle backend: %s", backend)
	}
}

// ExtractJSONObject pulls the outermost JSON object out of a model reply
// that may be wrapped in prose or code fences.
func ExtractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("json object not found")
	}
	return text[start : end+1], nil
}
