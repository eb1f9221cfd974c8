package oracle

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

type OpenAIOracle struct {
	client    openai.Client
	model     string
	maxTokens int
}

func NewOpenAIOracle(apiKey string, model string, maxTokens int) *OpenAIOracle {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &OpenAIOracle{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (o *OpenAIOracle) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}

	input := req.Prompt
	if req.System != "" {
		input = fmt.Sprintf("System: %s\n\n%s", req.System, req.Prompt)
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if resp == nil {
		return Response{}, fmt.Errorf("empty response from openai")
	}

	return Response{
		Text:       resp.OutputText(),
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
