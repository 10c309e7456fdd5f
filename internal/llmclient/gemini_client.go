// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/snowmanjy/ai2qa/internal/config"
)

// GenerationRequest is one prompt sent to a model.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	// Temperature overrides the configured temperature when set.
	Temperature *float32
	ForceJSON   bool
}

// Generator produces a completion from the named model.
type Generator interface {
	Generate(ctx context.Context, model string, req GenerationRequest) (string, error)
}

// GeminiClient implements Generator on the Gemini API.
type GeminiClient struct {
	client *genai.Client
	cfg    config.LLMConfig
	logger *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends one request. It does not retry; callers wrap it in the
// resilient client.
func (c *GeminiClient) Generate(ctx context.Context, model string, req GenerationRequest) (string, error) {
	if model == "" {
		return "", errors.New("gemini: no model given")
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.UserPrompt), c.buildConfig(req))
	if err != nil {
		return "", wrapAPIError(model, err)
	}

	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini %s returned no candidates", model)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini %s returned empty content (finish reason %s)", model, resp.Candidates[0].FinishReason)
	}

	fields := []zap.Field{
		zap.String("model", model),
		zap.Duration("duration", time.Since(start)),
	}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount))
	}
	c.logger.Info("LLM generation complete (Gemini)", fields...)
	return text, nil
}

func (c *GeminiClient) buildConfig(req GenerationRequest) *genai.GenerateContentConfig {
	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if c.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.ForceJSON {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

// providerError keeps the provider's message (status text included) and
// exposes any RetryInfo delay it carried.
type providerError struct {
	model string
	delay time.Duration
	err   error
}

func (e *providerError) Error() string             { return fmt.Sprintf("gemini %s: %v", e.model, e.err) }
func (e *providerError) Unwrap() error             { return e.err }
func (e *providerError) RetryAfter() time.Duration { return e.delay }

func wrapAPIError(model string, err error) error {
	var details []map[string]any
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		details = apiErr.Details
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		details = apiErrPtr.Details
	}
	return &providerError{model: model, delay: retryDelay(details), err: err}
}

// retryDelay reads google.rpc.RetryInfo from the error details.
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		raw, ok := d["retryDelay"].(string)
		if !ok {
			continue
		}
		if delay, err := time.ParseDuration(raw); err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}
