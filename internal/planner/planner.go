// Package planner adapts LLM plan generation and repair behind a fixed
// interface. The engine never talks to the model directly for plans.
package planner

import (
	"context"

	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// GenerateRequest asks for an initial plan.
type GenerateRequest struct {
	Goal              string
	Namespace         string
	ResponseFormat    map[string]string
	ToolCatalog       string
	BestPracticesHint string
	// Feedback carries validation errors from a rejected previous attempt.
	Feedback string
}

// UpdateRequest asks for a repaired plan after an instruction failed.
type UpdateRequest struct {
	Goal         string
	Plan         vm.Plan
	FailingSeqNo int
	ErrorSummary string
	Variables    map[string]vm.Value
	ToolCatalog  string
	// Suggestion is a natural-language hint from an external caller; empty
	// during automatic recovery.
	Suggestion string
	// Feedback carries validation errors from a rejected previous attempt.
	Feedback string
}

// OptimizeRequest asks for a rewrite of one instruction, leaving the rest of
// the plan untouched.
type OptimizeRequest struct {
	Goal        string
	Plan        vm.Plan
	SeqNo       int
	Suggestion  string
	Variables   map[string]vm.Value
	ToolCatalog string
	// Feedback carries validation errors from a rejected previous attempt.
	Feedback string
}

// Planner produces and repairs plans.
type Planner interface {
	Generate(ctx context.Context, req GenerateRequest) (vm.Plan, error)
	Update(ctx context.Context, req UpdateRequest) (vm.Plan, error)
	OptimizeStep(ctx context.Context, req OptimizeRequest) (vm.Plan, error)
}

// Static replays fixed plans, for tests and offline runs. Updates return
// UpdatePlan when set, otherwise the update fails.
type Static struct {
	Plan       vm.Plan
	UpdatePlan *vm.Plan
}

func (s *Static) Generate(context.Context, GenerateRequest) (vm.Plan, error) {
	return s.Plan, nil
}

func (s *Static) Update(context.Context, UpdateRequest) (vm.Plan, error) {
	if s.UpdatePlan == nil {
		return vm.Plan{}, verrors.New(verrors.KindInternal, "static planner has no update plan")
	}
	return *s.UpdatePlan, nil
}

func (s *Static) OptimizeStep(context.Context, OptimizeRequest) (vm.Plan, error) {
	if s.UpdatePlan == nil {
		return vm.Plan{}, verrors.New(verrors.KindInternal, "static planner has no update plan")
	}
	return *s.UpdatePlan, nil
}
