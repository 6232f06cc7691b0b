package vm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"stackvm/internal/verrors"
)

// InstructionType discriminates the plan instruction variants.
type InstructionType string

const (
	InstrReasoning InstructionType = "reasoning"
	InstrAssign    InstructionType = "assign"
	InstrCalling   InstructionType = "calling"
	InstrJmp       InstructionType = "jmp"
)

// instructionTypes lists every known variant; the dispatcher's exhaustiveness
// check in dispatch.go runs against this list.
var instructionTypes = []InstructionType{InstrReasoning, InstrAssign, InstrCalling, InstrJmp}

// Instruction is one record of a plan. Jumps refer to SeqNo, never to the
// position in the instruction slice.
type Instruction struct {
	SeqNo  int              `json:"seq_no"`
	Type   InstructionType  `json:"type"`
	Params map[string]Value `json:"parameters"`
}

// CallingParams is the decoded parameter set of a calling instruction.
type CallingParams struct {
	ToolName   string
	ToolParams map[string]Value
	OutputVars []string
	// SingleOutput is true for the scalar `"output_vars": "name"` form, where
	// the whole tool response binds to one variable.
	SingleOutput bool
}

// JmpParams is the decoded parameter set of a jmp instruction.
type JmpParams struct {
	TargetSeq       *int
	ConditionPrompt string
	Context         string
	JumpIfTrue      *int
	JumpIfFalse     *int
}

// Calling decodes the parameters of a calling instruction.
func (in *Instruction) Calling() (*CallingParams, error) {
	name, ok := in.Params["tool_name"]
	if !ok {
		return nil, fmt.Errorf("calling instruction missing tool_name")
	}
	toolName, ok := name.AsString()
	if !ok || toolName == "" {
		return nil, fmt.Errorf("tool_name must be a non-empty string")
	}

	toolParams := map[string]Value{}
	if raw, ok := in.Params["tool_params"]; ok {
		m, ok := raw.AsMap()
		if !ok {
			return nil, fmt.Errorf("tool_params must be a mapping")
		}
		toolParams = m
	}

	outRaw, ok := in.Params["output_vars"]
	if !ok {
		return nil, fmt.Errorf("calling instruction missing output_vars")
	}
	decoded := &CallingParams{ToolName: toolName, ToolParams: toolParams}
	switch outRaw.Kind() {
	case KindString:
		name, _ := outRaw.AsString()
		if !IsValidVarName(name) {
			return nil, fmt.Errorf("invalid output variable name %q", name)
		}
		decoded.OutputVars = []string{name}
		decoded.SingleOutput = true
	case KindList:
		items, _ := outRaw.AsList()
		if len(items) == 0 {
			return nil, fmt.Errorf("output_vars must not be empty")
		}
		for _, item := range items {
			name, ok := item.AsString()
			if !ok || !IsValidVarName(name) {
				return nil, fmt.Errorf("output_vars entries must be variable names")
			}
			decoded.OutputVars = append(decoded.OutputVars, name)
		}
	default:
		return nil, fmt.Errorf("output_vars must be a string or a sequence of strings")
	}
	return decoded, nil
}

// Jmp decodes the parameters of a jmp instruction.
func (in *Instruction) Jmp() (*JmpParams, error) {
	decoded := &JmpParams{}
	if raw, ok := in.Params["target_seq"]; ok {
		seq, err := intParam(raw, "target_seq")
		if err != nil {
			return nil, err
		}
		decoded.TargetSeq = &seq
	}
	if raw, ok := in.Params["condition_prompt"]; ok {
		prompt, ok := raw.AsString()
		if !ok {
			return nil, fmt.Errorf("condition_prompt must be a string")
		}
		decoded.ConditionPrompt = prompt
	}
	if raw, ok := in.Params["context"]; ok {
		if ctx, ok := raw.AsString(); ok {
			decoded.Context = ctx
		}
	}
	if raw, ok := in.Params["jump_if_true"]; ok {
		seq, err := intParam(raw, "jump_if_true")
		if err != nil {
			return nil, err
		}
		decoded.JumpIfTrue = &seq
	}
	if raw, ok := in.Params["jump_if_false"]; ok {
		seq, err := intParam(raw, "jump_if_false")
		if err != nil {
			return nil, err
		}
		decoded.JumpIfFalse = &seq
	}

	if decoded.ConditionPrompt != "" {
		if decoded.JumpIfTrue == nil || decoded.JumpIfFalse == nil {
			return nil, fmt.Errorf("conditional jmp requires jump_if_true and jump_if_false")
		}
	} else if decoded.TargetSeq == nil {
		return nil, fmt.Errorf("unconditional jmp requires target_seq")
	}
	return decoded, nil
}

func intParam(v Value, name string) (int, error) {
	i, ok := v.AsInt()
	if !ok {
		if f, isFloat := v.AsFloat(); isFloat && f == float64(int64(f)) {
			return int(f), nil
		}
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return int(i), nil
}

// Bindings returns the variable names this instruction writes.
func (in *Instruction) Bindings() []string {
	switch in.Type {
	case InstrAssign:
		names := make([]string, 0, len(in.Params))
		for name := range in.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	case InstrCalling:
		calling, err := in.Calling()
		if err != nil {
			return nil
		}
		return calling.OutputVars
	default:
		return nil
	}
}

// Refs returns every `${name}` or {"var": name} reference in the
// instruction's interpolated parameter positions.
func (in *Instruction) Refs() []string {
	params := in.Params
	if in.Type == InstrCalling {
		if calling, err := in.Calling(); err == nil {
			params = calling.ToolParams
		}
	}
	seen := make(map[string]bool)
	var names []string
	var walk func(v Value)
	walk = func(v Value) {
		switch v.Kind() {
		case KindString:
			text, _ := v.AsString()
			for _, name := range FindRefs(text) {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		case KindMap:
			m, _ := v.AsMap()
			if name, ok := varShape(m); ok {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
				return
			}
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(m[k])
			}
		case KindList:
			items, _ := v.AsList()
			for _, item := range items {
				walk(item)
			}
		}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		walk(params[k])
	}
	return names
}

// BindsFinalAnswer reports whether this instruction writes final_answer.
func (in *Instruction) BindsFinalAnswer() bool {
	for _, name := range in.Bindings() {
		if name == FinalAnswerVar {
			return true
		}
	}
	return false
}

// Plan is an ordered sequence of instructions. The length is fixed once
// execution starts.
type Plan struct {
	Instructions []Instruction
}

// MarshalJSON encodes the plan as the bare instruction array.
func (p Plan) MarshalJSON() ([]byte, error) {
	if p.Instructions == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Instructions)
}

// UnmarshalJSON decodes a bare instruction array.
func (p *Plan) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Instructions)
}

// ParsePlan decodes a plan from JSON, repairing near-JSON input (trailing
// commas, single quotes, fenced output) before giving up.
func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan.Instructions); err == nil {
		return plan, nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return Plan{}, verrors.New(verrors.KindLLMParse, "plan is not valid JSON: %v", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &plan.Instructions); err != nil {
		return Plan{}, verrors.New(verrors.KindLLMParse, "plan is not a JSON instruction array: %v", err)
	}
	return plan, nil
}

// Len returns the number of instructions.
func (p *Plan) Len() int { return len(p.Instructions) }

// BySeq returns the instruction with the given seq_no.
func (p *Plan) BySeq(seqNo int) (*Instruction, bool) {
	for i := range p.Instructions {
		if p.Instructions[i].SeqNo == seqNo {
			return &p.Instructions[i], true
		}
	}
	return nil, false
}

// NextAfter returns the smallest seq_no strictly greater than seqNo, or the
// terminal sentinel when none exists.
func (p *Plan) NextAfter(seqNo int) int {
	next := p.TerminalPC()
	for i := range p.Instructions {
		s := p.Instructions[i].SeqNo
		if s > seqNo && s < next {
			next = s
		}
	}
	return next
}

// MaxSeq returns the largest seq_no, or -1 for an empty plan.
func (p *Plan) MaxSeq() int {
	max := -1
	for i := range p.Instructions {
		if p.Instructions[i].SeqNo > max {
			max = p.Instructions[i].SeqNo
		}
	}
	return max
}

// TerminalPC is the sentinel program counter one past the largest seq_no.
func (p *Plan) TerminalPC() int { return p.MaxSeq() + 1 }

// IsTerminal reports whether pc is past the end of the plan.
func (p *Plan) IsTerminal(pc int) bool {
	_, ok := p.BySeq(pc)
	return !ok
}

// InSeqOrder returns the instructions sorted by seq_no, leaving the plan's
// own ordering untouched.
func (p *Plan) InSeqOrder() []Instruction {
	ordered := make([]Instruction, len(p.Instructions))
	copy(ordered, p.Instructions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SeqNo < ordered[j].SeqNo })
	return ordered
}

// Validate runs the static checks plans must pass before execution:
// unique seq_nos, known instruction types, no nested sub-plans, namespace
// visibility of called tools, best-effort variable flow, resolvable jump
// targets, and a final_answer binding on the tail of the plan. The visible
// callback reports whether a tool may be used; prebound names are treated as
// defined before the first instruction.
func (p *Plan) Validate(visible func(tool string) bool, prebound ...string) error {
	if p.Len() == 0 {
		return verrors.New(verrors.KindValidation, "plan is empty")
	}

	seen := make(map[int]bool, p.Len())
	for i := range p.Instructions {
		in := &p.Instructions[i]
		if in.SeqNo < 0 {
			return verrors.New(verrors.KindValidation, "negative seq_no %d", in.SeqNo)
		}
		if seen[in.SeqNo] {
			return verrors.New(verrors.KindValidation, "duplicate seq_no %d", in.SeqNo)
		}
		seen[in.SeqNo] = true

		switch in.Type {
		case InstrReasoning:
		case InstrAssign:
			if len(in.Params) == 0 {
				return verrors.New(verrors.KindValidation, "assign at seq_no %d has no writes", in.SeqNo).At(in.SeqNo)
			}
			for name := range in.Params {
				if !IsValidVarName(name) {
					return verrors.New(verrors.KindValidation, "assign at seq_no %d writes invalid name %q", in.SeqNo, name).At(in.SeqNo)
				}
			}
		case InstrCalling:
			calling, err := in.Calling()
			if err != nil {
				return verrors.New(verrors.KindValidation, "calling at seq_no %d: %v", in.SeqNo, err).At(in.SeqNo)
			}
			if visible != nil && !visible(calling.ToolName) {
				return verrors.New(verrors.KindValidation, "tool %q is not visible in this namespace", calling.ToolName).At(in.SeqNo)
			}
		case InstrJmp:
			if err := rejectSubPlans(in); err != nil {
				return err
			}
			if _, err := in.Jmp(); err != nil {
				return verrors.New(verrors.KindValidation, "jmp at seq_no %d: %v", in.SeqNo, err).At(in.SeqNo)
			}
		default:
			return verrors.New(verrors.KindValidation, "unknown instruction type %q at seq_no %d", in.Type, in.SeqNo).At(in.SeqNo)
		}
	}

	// Jump targets must resolve to existing seq_nos.
	for i := range p.Instructions {
		in := &p.Instructions[i]
		if in.Type != InstrJmp {
			continue
		}
		jmp, _ := in.Jmp()
		for _, target := range []*int{jmp.TargetSeq, jmp.JumpIfTrue, jmp.JumpIfFalse} {
			if target == nil {
				continue
			}
			if !seen[*target] {
				return verrors.New(verrors.KindValidation, "jmp at seq_no %d targets missing seq_no %d", in.SeqNo, *target).At(in.SeqNo)
			}
		}
	}

	// Path-insensitive variable flow: every reference must be bound by a
	// prior instruction in seq order or be prebound.
	defined := make(map[string]bool, len(prebound))
	for _, name := range prebound {
		defined[name] = true
	}
	bindsFinal := false
	for _, in := range p.InSeqOrder() {
		if in.Type == InstrReasoning {
			continue // inert for variable flow
		}
		for _, ref := range in.Refs() {
			if !defined[ref] {
				return verrors.New(verrors.KindValidation, "variable %q referenced at seq_no %d before any binding", ref, in.SeqNo).At(in.SeqNo)
			}
		}
		for _, name := range in.Bindings() {
			defined[name] = true
		}
		if in.BindsFinalAnswer() {
			bindsFinal = true
		}
	}
	if !bindsFinal {
		return verrors.New(verrors.KindValidation, "no instruction binds %s", FinalAnswerVar)
	}

	// The tail of every forward path must bind final_answer; with the
	// flattened jump model it suffices that the highest-seq instruction
	// either binds it or diverts control.
	ordered := p.InSeqOrder()
	last := ordered[len(ordered)-1]
	if last.Type != InstrJmp && !last.BindsFinalAnswer() {
		return verrors.New(verrors.KindValidation, "last instruction (seq_no %d) does not bind %s", last.SeqNo, FinalAnswerVar).At(last.SeqNo)
	}

	return nil
}

// rejectSubPlans enforces the flattened control-flow model: condition
// branches must be expressed as jmp targets, never as nested instruction
// lists inside the instruction itself.
func rejectSubPlans(in *Instruction) error {
	for key, v := range in.Params {
		items, ok := v.AsList()
		if !ok {
			continue
		}
		for _, item := range items {
			m, ok := item.AsMap()
			if !ok {
				continue
			}
			if _, hasType := m["type"]; hasType {
				if _, hasParams := m["parameters"]; hasParams {
					return verrors.New(verrors.KindValidation,
						"nested sub-plan under %q at seq_no %d: branches must be flattened into jmp targets", key, in.SeqNo).At(in.SeqNo)
				}
			}
		}
	}
	return nil
}

// String renders a compact description for logs.
func (in *Instruction) String() string {
	switch in.Type {
	case InstrCalling:
		if calling, err := in.Calling(); err == nil {
			return fmt.Sprintf("seq_no %d %s tool=%s", in.SeqNo, in.Type, calling.ToolName)
		}
	case InstrAssign:
		return fmt.Sprintf("seq_no %d assign [%s]", in.SeqNo, strings.Join(in.Bindings(), ", "))
	}
	return fmt.Sprintf("seq_no %d %s", in.SeqNo, in.Type)
}
