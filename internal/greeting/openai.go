package greeting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/spigell/delivery-engine/internal/posting"
)

const defaultOpenAIModel = "gpt-4o-mini"

const systemPrompt = "You are a concise assistant writing job application greetings."

// OpenAI generates greetings through the chat completions API.
type OpenAI struct {
	client    openai.Client
	model     string
	candidate string
}

// NewOpenAI creates an OpenAI generator. Extra request options, such as a base
// URL, may be passed through opts.
func NewOpenAI(apiKey, model, candidate string, opts ...option.RequestOption) (*OpenAI, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultOpenAIModel
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		candidate: candidate,
	}, nil
}

func (o *OpenAI) Generate(ctx context.Context, p *posting.Posting) (string, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(p, o.candidate)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(completion.Choices) == 0 {
		return "", errors.New("no response from openai")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("openai returned empty response")
	}
	return text, nil
}
