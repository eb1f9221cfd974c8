package oracle

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicOracle struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int
}

func NewAnthropicOracle(apiKey string, model string, maxTokens int) *AnthropicOracle {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicOracle{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

func (o *AnthropicOracle) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     o.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: req.System,
			Type: "text",
		}}
	}

	resp, err := o.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic completion failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, fmt.Errorf("empty response from anthropic")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	return Response{
		Text:       text,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}
