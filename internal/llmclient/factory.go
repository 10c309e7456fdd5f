// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/resilience"
)

// NewGenerator creates the provider client named by cfg.Provider.
func NewGenerator(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

// NewClient builds the provider client and the tier router on top of it.
func NewClient(ctx context.Context, cfg config.LLMConfig, resilient *resilience.Client, logger *zap.Logger) (*Router, error) {
	gen, err := NewGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewRouterFromConfig(logger, gen, resilient, cfg)
}
