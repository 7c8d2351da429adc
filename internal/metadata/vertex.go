package metadata

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/gcp"
	"github.com/Lllllllleong/docparser/internal/models"
)

// VertexProvider uses a Gemini model in JSON mode.
type VertexProvider struct {
	client       *gcp.VertexClient
	contextChars int
}

func NewVertexProvider(ctx context.Context, cfg config.MetadataConfig) (*VertexProvider, error) {
	client, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Region, gcp.VertexModelConfig{
		Model:             cfg.Model,
		SystemInstruction: SystemPrompt(),
		MaxOutputTokens:   int32(cfg.MaxTokens),
		Temperature:       float32(cfg.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	return &VertexProvider{client: client, contextChars: cfg.ContextChars}, nil
}

func (p *VertexProvider) Name() string { return "vertex" }

func (p *VertexProvider) Extract(ctx context.Context, markdown string) (*models.DocumentMetadata, error) {
	resp, err := p.client.MetadataModel.GenerateContent(ctx, genai.Text(Truncate(markdown, p.contextChars)))
	if err != nil {
		return nil, fmt.Errorf("gemini generate content failed: %w", err)
	}
	return Parse(responseText(resp))
}

func (p *VertexProvider) Close() error { return p.client.Close() }

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
