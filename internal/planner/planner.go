// Package planner turns goals, failures and finished runs into model prompts
// and parses the answers back into steps, selectors and summaries.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/llmclient"
	"github.com/snowmanjy/ai2qa/internal/llmutil"
	"github.com/snowmanjy/ai2qa/internal/resilience"
)

// Completer sends a prompt under the resilience policy of a call class.
// *llmclient.Router implements it.
type Completer interface {
	Generate(ctx context.Context, class resilience.CallClass, req llmclient.GenerationRequest) (string, error)
	GenerateOrFallback(ctx context.Context, b *resilience.Breaker, class resilience.CallClass, req llmclient.GenerationRequest, fallback func(error) string) (string, bool)
}

// PlanContext is what the planner knows about the run a request belongs to.
type PlanContext struct {
	TargetURL string
	Persona   schemas.Persona
	// Snapshot is the latest page state; nil before the first navigation.
	Snapshot *schemas.DomSnapshot
}

// selectorNotFound is the answer the model gives when no element matches.
const selectorNotFound = "NOT_FOUND"

// snapshotBudget bounds the page text embedded in a prompt.
const snapshotBudget = 12000

// Planner implements the planning capability on a Completer.
type Planner struct {
	llm     Completer
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// New creates a Planner. breaker guards Summarize; nil gets a default one.
func New(llm Completer, breaker *resilience.Breaker, logger *zap.Logger) *Planner {
	if breaker == nil {
		breaker = resilience.NewBreaker(3, 2*time.Minute)
	}
	return &Planner{llm: llm, breaker: breaker, logger: logger.Named("Planner")}
}

// stepDoc is the wire form of a planned step.
type stepDoc struct {
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	Selector string         `json:"selector"`
	Value    string         `json:"value"`
	Params   map[string]any `json:"params"`
}

type planDoc struct {
	Steps []stepDoc `json:"steps"`
}

// PlanGoal produces the steps for one goal. Provider failures propagate; an
// unusable answer yields FallbackPlan.
func (p *Planner) PlanGoal(ctx context.Context, goal string, pc PlanContext) ([]schemas.ActionStep, error) {
	resp, err := p.llm.Generate(ctx, resilience.ClassPlan, llmclient.GenerationRequest{
		SystemPrompt: planSystemPrompt(pc.Persona),
		UserPrompt:   goalPrompt(goal, pc),
		ForceJSON:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("planning goal %q: %w", goal, err)
	}

	steps := p.parseSteps(resp)
	if len(steps) == 0 {
		p.logger.Warn("Unusable plan response, using fallback plan",
			zap.String("goal", goal),
			zap.String("response", llmutil.Truncate(resp, 300)))
		return FallbackPlan(goal), nil
	}
	p.logger.Debug("Goal planned", zap.String("goal", goal), zap.Int("steps", len(steps)))
	return steps, nil
}

// PlanRepair proposes steps that unblock failed. Provider failures propagate;
// an unusable answer yields FallbackRepair.
func (p *Planner) PlanRepair(ctx context.Context, failed schemas.ActionStep, errMsg string, snapshot *schemas.DomSnapshot, pc PlanContext) ([]schemas.ActionStep, error) {
	resp, err := p.llm.Generate(ctx, resilience.ClassRepair, llmclient.GenerationRequest{
		SystemPrompt: repairSystemPrompt(pc.Persona),
		UserPrompt:   repairPrompt(failed, errMsg, snapshot, pc),
		ForceJSON:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("planning repair for %s: %w", failed, err)
	}

	steps := p.parseSteps(resp)
	if len(steps) == 0 {
		p.logger.Warn("Unusable repair response, using fallback repair",
			zap.String("step", failed.String()),
			zap.String("response", llmutil.Truncate(resp, 300)))
		return FallbackRepair(), nil
	}
	return steps, nil
}

// FindSelector asks for a CSS selector matching description in snapshot. An
// empty selector with a nil error means the model found no match.
func (p *Planner) FindSelector(ctx context.Context, description string, snapshot *schemas.DomSnapshot) (string, error) {
	resp, err := p.llm.Generate(ctx, resilience.ClassSelector, llmclient.GenerationRequest{
		SystemPrompt: selectorSystemPrompt,
		UserPrompt:   selectorPrompt(description, snapshot),
	})
	if err != nil {
		return "", fmt.Errorf("finding selector for %q: %w", description, err)
	}

	selector := llmutil.CleanText(resp)
	if selector == "" || strings.EqualFold(selector, selectorNotFound) || strings.Contains(selector, "\n") {
		p.logger.Debug("No selector resolved", zap.String("description", description))
		return "", nil
	}
	return selector, nil
}

// parseSteps accepts {"steps":[...]} or a bare array. Steps without an action
// are dropped.
func (p *Planner) parseSteps(resp string) []schemas.ActionStep {
	var docs []stepDoc
	payload := llmutil.ExtractJSON(resp)
	if strings.HasPrefix(payload, "[") {
		parsed, err := llmutil.ParseJSONResponse[[]stepDoc](payload)
		if err != nil {
			p.logger.Debug("Plan array did not parse", zap.Error(err))
			return nil
		}
		docs = *parsed
	} else {
		parsed, err := llmutil.ParseJSONResponse[planDoc](payload)
		if err != nil {
			p.logger.Debug("Plan object did not parse", zap.Error(err))
			return nil
		}
		docs = parsed.Steps
	}

	steps := make([]schemas.ActionStep, 0, len(docs))
	for _, d := range docs {
		action := schemas.ParseActionType(d.Action)
		if action == "" {
			continue
		}
		step := schemas.NewStep(action, strings.TrimSpace(d.Target))
		step.Selector = strings.TrimSpace(d.Selector)
		step.Value = d.Value
		if len(d.Params) > 0 {
			step.Params = make(map[string]string, len(d.Params))
			for k, v := range d.Params {
				step.Params[k] = fmt.Sprint(v)
			}
		}
		steps = append(steps, step)
	}
	return steps
}
