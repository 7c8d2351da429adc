package metadata

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/docparser/internal/config"
)

// New builds the configured provider. It returns nil, nil when metadata
// extraction is disabled.
func New(ctx context.Context, cfg config.MetadataConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "vertex":
		p, err := NewVertexProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("LLM_API_KEY must be set for metadata provider openai")
		}
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown metadata provider %q", cfg.Provider)
	}
}
