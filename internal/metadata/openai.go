package metadata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/models"
)

// OpenAIProvider calls any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client openai.Client
	cfg    config.MetadataConfig
}

func NewOpenAIProvider(cfg config.MetadataConfig, extra ...option.RequestOption) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	return &OpenAIProvider{client: openai.NewClient(opts...), cfg: cfg}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Extract(ctx context.Context, markdown string) (*models.DocumentMetadata, error) {
	text := Truncate(markdown, p.cfg.ContextChars)
	slog.Debug("Requesting metadata.", "provider", p.Name(), "model", p.cfg.Model, "contextChars", len([]rune(text)))

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt()),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(p.cfg.Temperature),
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return Parse(resp.Choices[0].Message.Content)
}

func (p *OpenAIProvider) Close() error { return nil }
