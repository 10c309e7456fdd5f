package llmclient

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/resilience"
)

// ModelTier groups models by cost and capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// TierFor maps a call class onto a tier. Selector lookups and repairs are
// small, latency-bound prompts; plans and summaries get the stronger model.
func TierFor(class resilience.CallClass) ModelTier {
	switch class {
	case resilience.ClassSelector, resilience.ClassRepair:
		return TierFast
	default:
		return TierPowerful
	}
}

// Router sends each request to the model of its class tier, through the
// resilient client.
type Router struct {
	logger    *zap.Logger
	gen       Generator
	resilient *resilience.Client
	models    map[ModelTier]string
}

// NewRouter creates a router over gen. Both tiers must name a model.
func NewRouter(logger *zap.Logger, gen Generator, resilient *resilience.Client, fastModel, powerfulModel string) (*Router, error) {
	if gen == nil || resilient == nil {
		return nil, errors.New("router needs a generator and a resilient client")
	}
	if fastModel == "" || powerfulModel == "" {
		return nil, errors.New("both fast and powerful tier models must be provided")
	}
	return &Router{
		logger:    logger.Named("llm_router"),
		gen:       gen,
		resilient: resilient,
		models: map[ModelTier]string{
			TierFast:     fastModel,
			TierPowerful: powerfulModel,
		},
	}, nil
}

// NewRouterFromConfig reads the tier models from cfg.
func NewRouterFromConfig(logger *zap.Logger, gen Generator, resilient *resilience.Client, cfg config.LLMConfig) (*Router, error) {
	return NewRouter(logger, gen, resilient, cfg.FastModel, cfg.PowerfulModel)
}

// ModelFor returns the primary model used for class.
func (r *Router) ModelFor(class resilience.CallClass) string {
	return r.models[TierFor(class)]
}

// Generate runs req under the resilience policy of class.
func (r *Router) Generate(ctx context.Context, class resilience.CallClass, req GenerationRequest) (string, error) {
	model := r.ModelFor(class)
	r.logger.Debug("Routing LLM request", zap.String("class", string(class)), zap.String("model", model))
	return r.resilient.Call(ctx, class, model, r.call(req))
}

// GenerateOrFallback is Generate behind breaker b; on an open circuit or any
// failure it returns fallback(err) and true.
func (r *Router) GenerateOrFallback(ctx context.Context, b *resilience.Breaker, class resilience.CallClass, req GenerationRequest, fallback func(error) string) (string, bool) {
	return r.resilient.CallWithBreaker(ctx, b, class, r.ModelFor(class), r.call(req), fallback)
}

func (r *Router) call(req GenerationRequest) resilience.ModelCall {
	return func(ctx context.Context, model string) (string, error) {
		return r.gen.Generate(ctx, model, req)
	}
}
