package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// VertexClient holds the generative model used for metadata extraction.
type VertexClient struct {
	MetadataModel *genai.GenerativeModel
	baseClient    *genai.Client
}

// VertexModelConfig configures the metadata model.
type VertexModelConfig struct {
	Model             string
	SystemInstruction string
	MaxOutputTokens   int32
	Temperature       float32
}

// NewVertexClient creates a client with a metadata model that is forced
// into JSON output.
func NewVertexClient(ctx context.Context, projectID, region string, cfg VertexModelConfig) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(cfg.Model)
	if cfg.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(cfg.SystemInstruction)},
		}
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(cfg.Temperature),
	}
	if cfg.MaxOutputTokens > 0 {
		model.GenerationConfig.MaxOutputTokens = genai.Ptr(cfg.MaxOutputTokens)
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		MetadataModel: model,
		baseClient:    baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
