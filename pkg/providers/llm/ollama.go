package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

const DefaultOllamaURL = "http://localhost:11434"

// Ollama generates replies with a local Ollama server's chat endpoint.
type Ollama struct {
	client *api.Client
	opts   Options
}

func NewOllama(opts Options, hc *http.Client) (*Ollama, error) {
	opts = opts.withDefaults(DefaultOllamaURL)
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", opts.BaseURL, err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Ollama{client: api.NewClient(u, hc), opts: opts}, nil
}

func (o *Ollama) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    o.opts.Model,
		Messages: make([]api.Message, 0, len(messages)),
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": *o.opts.Temperature,
			"num_predict": o.opts.MaxTokens,
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: m.Role, Content: m.Content})
	}

	var reply strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return reply.String(), nil
}

// Models lists locally available model tags.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	list, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (o *Ollama) Name() string {
	return "ollama"
}
