package planner

import (
	"context"

	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// strictAppendix is added when a reply could not be parsed as a plan.
const strictAppendix = "\n\nYour previous reply was not a parseable JSON instruction array. " +
	"Reply with ONLY the JSON array, no prose, no markdown fences."

// LLM generates plans with the standard model and repairs them with the
// reasoning model.
type LLM struct {
	generate llm.Client
	reason   llm.Client
	logger   logging.Logger
}

// NewLLM builds a planner on the router's endpoints.
func NewLLM(router *llm.Router) *LLM {
	return &LLM{
		generate: router.Standard(),
		reason:   router.Reason(),
		logger:   logging.NewComponentLogger("planner"),
	}
}

func (p *LLM) Generate(ctx context.Context, req GenerateRequest) (vm.Plan, error) {
	return p.complete(ctx, p.generate, generatePrompt(req))
}

func (p *LLM) Update(ctx context.Context, req UpdateRequest) (vm.Plan, error) {
	return p.complete(ctx, p.reason, updatePrompt(req))
}

func (p *LLM) OptimizeStep(ctx context.Context, req OptimizeRequest) (vm.Plan, error) {
	return p.complete(ctx, p.reason, optimizePrompt(req))
}

// complete runs one completion and parses the reply as a plan. A parse
// failure is retried once with a stricter prompt before surfacing.
func (p *LLM) complete(ctx context.Context, client llm.Client, prompt string) (vm.Plan, error) {
	plan, err := p.once(ctx, client, prompt)
	if err == nil {
		return plan, nil
	}
	if verrors.KindOf(err) != verrors.KindLLMParse {
		return vm.Plan{}, err
	}
	p.logger.Warn("plan reply was unparseable, retrying with strict prompt: %v", err)
	return p.once(ctx, client, prompt+strictAppendix)
}

func (p *LLM) once(ctx context.Context, client llm.Client, prompt string) (vm.Plan, error) {
	resp, err := client.Complete(ctx, llm.UserMessage(prompt))
	if err != nil {
		return vm.Plan{}, err
	}
	doc, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		return vm.Plan{}, err
	}
	return vm.ParsePlan([]byte(doc))
}
