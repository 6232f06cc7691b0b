package vm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"stackvm/internal/verrors"
)

type handlerFunc func(ctx context.Context, m *VM, in *Instruction) (*StepResult, error)

var handlers map[InstructionType]handlerFunc

func init() {
	handlers = map[InstructionType]handlerFunc{
		InstrReasoning: execReasoning,
		InstrAssign:    execAssign,
		InstrCalling:   execCalling,
		InstrJmp:       execJmp,
	}
	for _, t := range instructionTypes {
		if _, ok := handlers[t]; !ok {
			panic(fmt.Sprintf("vm: no handler registered for instruction type %q", t))
		}
	}
}

// previewLimit bounds the rendered length of values in commit details.
const previewLimit = 50

func previewValue(v Value) string {
	text := v.Stringify()
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}

func execReasoning(_ context.Context, m *VM, in *Instruction) (*StepResult, error) {
	desc := "reasoning"
	if raw, ok := in.Params["chain_of_thoughts"]; ok {
		if text, ok := raw.AsString(); ok {
			desc = previewValue(String(text))
		}
	}
	return &StepResult{
		Instruction: *in,
		NextPC:      m.plan.NextAfter(in.SeqNo),
		Description: desc,
	}, nil
}

// execAssign evaluates every right-hand side before writing anything, so a
// failed assign leaves the store untouched.
func execAssign(_ context.Context, m *VM, in *Instruction) (*StepResult, error) {
	names := make([]string, 0, len(in.Params))
	for name := range in.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	staged := make(map[string]Value, len(names))
	outputs := make(map[string]string, len(names))
	var warnings []string
	for _, name := range names {
		v, warns, err := m.evalAssignRHS(in.Params[name])
		if err != nil {
			return nil, err
		}
		staged[name] = v
		warnings = append(warnings, warns...)
	}
	for _, name := range names {
		if err := m.vars.Set(name, staged[name]); err != nil {
			return nil, err
		}
		outputs[name] = previewValue(staged[name])
	}
	return &StepResult{
		Instruction: *in,
		NextPC:      m.plan.NextAfter(in.SeqNo),
		Outputs:     outputs,
		Warnings:    warnings,
		Description: fmt.Sprintf("assign %s", strings.Join(names, ", ")),
	}, nil
}

// evalAssignRHS implements the right-hand-side cases in order: non-string
// values verbatim (with {"var": name} as a raw lookup), reference-free
// strings as-is, a sole `${name}` token as the raw value, arithmetic after
// substitution as a number, and everything else as an interpolated string.
func (m *VM) evalAssignRHS(raw Value) (Value, []string, error) {
	if raw.Kind() != KindString {
		if mp, ok := raw.AsMap(); ok {
			if name, isRef := varShape(mp); isRef {
				v, err := m.vars.Get(name)
				return v, nil, err
			}
		}
		return raw, nil, nil
	}

	text, _ := raw.AsString()
	refs := FindRefs(text)
	if len(refs) == 0 {
		return String(text), nil, nil
	}
	if name, ok := SoleRef(text); ok {
		v, err := m.vars.Get(name)
		return v, nil, err
	}

	var missing []string
	for _, name := range refs {
		if !m.vars.Has(name) {
			missing = append(missing, name)
		}
	}

	// Probe with neutral operands to decide whether the text is shaped like
	// arithmetic before any values are substituted.
	probe := refPattern.ReplaceAllString(text, "0")
	if isArithmeticExpr(probe) {
		if len(missing) > 0 {
			return Value{}, nil, verrors.New(verrors.KindUnresolvedVariable,
				"arithmetic expression references unbound variables: %s", strings.Join(missing, ", "))
		}
		substituted, _ := m.vars.Interpolate(text)
		result, isArith, err := evalArithmetic(substituted)
		if err != nil {
			return Value{}, nil, err
		}
		if isArith {
			return result, nil, nil
		}
		// Substituted values broke the arithmetic shape; fall through to
		// string semantics.
	}

	resolved, missingRefs := m.vars.Interpolate(text)
	warnings := make([]string, 0, len(missingRefs))
	for _, name := range missingRefs {
		warnings = append(warnings, fmt.Sprintf("unbound variable %q interpolated as empty string", name))
	}
	return String(resolved), warnings, nil
}

func execCalling(ctx context.Context, m *VM, in *Instruction) (*StepResult, error) {
	calling, err := in.Calling()
	if err != nil {
		return nil, verrors.New(verrors.KindValidation, "%v", err)
	}
	if m.tools == nil {
		return nil, verrors.New(verrors.KindInternal, "no tool caller configured")
	}

	resolved := make(map[string]Value, len(calling.ToolParams))
	var warnings []string
	for name, raw := range calling.ToolParams {
		v, missing, err := m.vars.ResolveParam(raw)
		if err != nil {
			return nil, err
		}
		resolved[name] = v
		for _, missingName := range missing {
			warnings = append(warnings, fmt.Sprintf("unbound variable %q in tool param %q interpolated as empty string", missingName, name))
		}
	}

	m.status = StatusAwaitingTool
	response, err := m.tools.CallTool(ctx, calling.ToolName, resolved)
	if err != nil {
		return nil, verrors.FromExternal(err)
	}

	outputs := make(map[string]string, len(calling.OutputVars))
	if calling.SingleOutput {
		name := calling.OutputVars[0]
		if err := m.vars.Set(name, response); err != nil {
			return nil, err
		}
		outputs[name] = previewValue(response)
	} else {
		responseMap, ok := response.AsMap()
		if !ok {
			return nil, verrors.New(verrors.KindToolFailed,
				"tool %q returned %s, but output_vars requires a mapping", calling.ToolName, response.Kind())
		}
		staged := make(map[string]Value, len(calling.OutputVars))
		for _, name := range calling.OutputVars {
			v, ok := responseMap[name]
			if !ok {
				return nil, verrors.New(verrors.KindToolFailed,
					"tool %q response is missing output %q", calling.ToolName, name)
			}
			staged[name] = v
		}
		for _, name := range calling.OutputVars {
			if err := m.vars.Set(name, staged[name]); err != nil {
				return nil, err
			}
			outputs[name] = previewValue(staged[name])
		}
	}

	return &StepResult{
		Instruction: *in,
		NextPC:      m.plan.NextAfter(in.SeqNo),
		Inputs:      resolved,
		Outputs:     outputs,
		Warnings:    warnings,
		Description: fmt.Sprintf("call %s -> %s", calling.ToolName, strings.Join(calling.OutputVars, ", ")),
	}, nil
}

func execJmp(ctx context.Context, m *VM, in *Instruction) (*StepResult, error) {
	jmp, err := in.Jmp()
	if err != nil {
		return nil, verrors.New(verrors.KindValidation, "%v", err)
	}

	if jmp.ConditionPrompt == "" {
		if _, ok := m.plan.BySeq(*jmp.TargetSeq); !ok {
			return nil, verrors.New(verrors.KindValidation, "jmp target seq_no %d does not exist", *jmp.TargetSeq)
		}
		return &StepResult{
			Instruction: *in,
			NextPC:      *jmp.TargetSeq,
			Description: fmt.Sprintf("jmp to seq_no %d", *jmp.TargetSeq),
		}, nil
	}

	if m.cond == nil {
		return nil, verrors.New(verrors.KindInternal, "no condition evaluator configured")
	}
	prompt, promptMissing := m.vars.Interpolate(jmp.ConditionPrompt)
	contextText, contextMissing := m.vars.Interpolate(jmp.Context)
	var warnings []string
	for _, name := range append(promptMissing, contextMissing...) {
		warnings = append(warnings, fmt.Sprintf("unbound variable %q in jmp condition interpolated as empty string", name))
	}

	m.status = StatusAwaitingLLM
	verdict, explanation, err := m.cond.EvaluateCondition(ctx, prompt, contextText)
	if err != nil {
		return nil, verrors.FromExternal(err)
	}

	target := *jmp.JumpIfFalse
	if verdict {
		target = *jmp.JumpIfTrue
	}
	if _, ok := m.plan.BySeq(target); !ok {
		return nil, verrors.New(verrors.KindValidation, "jmp target seq_no %d does not exist", target)
	}
	return &StepResult{
		Instruction: *in,
		NextPC:      target,
		Warnings:    warnings,
		Description: fmt.Sprintf("jmp condition=%t to seq_no %d: %s", verdict, target, previewValue(String(explanation))),
	}, nil
}
