package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

const (
	DefaultLMStudioURL = "http://localhost:1234"
	DefaultModel       = "local-model"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

// Options shared by the generator backends. A nil Temperature means
// DefaultTemperature; zero is a valid setting.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   int
}

func (o Options) withDefaults(baseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Temperature == nil {
		t := DefaultTemperature
		o.Temperature = &t
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}

// OpenAICompatible generates replies through an OpenAI-compatible chat
// completions API such as LM Studio's local server.
type OpenAICompatible struct {
	client openai.Client
	opts   Options
}

func NewOpenAICompatible(opts Options, extra ...option.RequestOption) *OpenAICompatible {
	opts = opts.withDefaults(DefaultLMStudioURL)
	apiKey := opts.APIKey
	if apiKey == "" {
		// Local servers ignore the key but the client always sends one.
		apiKey = "lm-studio"
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/") + "/v1/"),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	reqOpts = append(reqOpts, extra...)

	return &OpenAICompatible{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
	}
}

func (l *OpenAICompatible) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(l.opts.Model),
		Messages:    convertMessages(messages),
		Temperature: openai.Float(*l.opts.Temperature),
		MaxTokens:   openai.Int(int64(l.opts.MaxTokens)),
	}

	completion, err := l.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai-compatible llm error (status %d): %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai-compatible llm request: %w", err)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from %s", l.opts.BaseURL)
	}
	return completion.Choices[0].Message.Content, nil
}

// Models lists the models the server has loaded. It doubles as a connectivity check.
func (l *OpenAICompatible) Models(ctx context.Context) ([]string, error) {
	page, err := l.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (l *OpenAICompatible) Name() string {
	return "openai-compatible"
}

func convertMessages(msgs []orchestrator.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
