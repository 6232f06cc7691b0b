package vm

import (
	"context"
	"fmt"

	"stackvm/internal/logging"
	"stackvm/internal/verrors"
)

// Status is the machine's lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusAwaitingLLM  Status = "awaiting_llm"
	StatusErrored      Status = "errored"
	StatusCompleted    Status = "completed"
)

// ToolCaller executes a named tool with fully resolved parameters.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, params map[string]Value) (Value, error)
}

// ConditionEvaluator decides conditional jumps. It returns the verdict and a
// short explanation for the commit log.
type ConditionEvaluator interface {
	EvaluateCondition(ctx context.Context, prompt, contextText string) (bool, string, error)
}

// StepResult describes one executed instruction.
type StepResult struct {
	Instruction Instruction
	// NextPC is the program counter after this step; it equals the plan's
	// terminal sentinel when execution ran off the end.
	NextPC int
	// Inputs is the fully resolved argument map of a calling instruction.
	Inputs map[string]Value
	// Outputs maps bound variable names to truncated previews of their values.
	Outputs map[string]string
	// Warnings are non-fatal anomalies, such as unbound references that
	// interpolated to the empty string.
	Warnings []string
	// Description summarizes the step for commit messages.
	Description string
}

// VM executes one plan instruction at a time. It owns the variable store and
// program counter but delegates tool execution and condition verdicts to the
// injected collaborators. Not safe for concurrent use; the engine serializes
// access per task.
type VM struct {
	status         Status
	goal           string
	responseFormat map[string]string
	namespace      string
	plan           Plan
	vars           *VarStore
	pc             int

	goalCompleted bool
	lastError     *verrors.Error
	errs          []string
	msgs          []string

	tools ToolCaller
	cond  ConditionEvaluator
	log   logging.Logger
}

// New returns an idle machine. tools and cond may be nil when the plan uses
// no calling or conditional jmp instructions.
func New(tools ToolCaller, cond ConditionEvaluator, logger logging.Logger) *VM {
	return &VM{
		status: StatusIdle,
		vars:   NewVarStore(),
		tools:  tools,
		cond:   cond,
		log:    logging.OrNop(logger),
	}
}

// Load validates and installs a plan, resetting all execution state. The
// program counter starts at the smallest seq_no.
func (m *VM) Load(goal string, plan Plan, visible func(tool string) bool) error {
	if err := plan.Validate(visible); err != nil {
		return err
	}
	m.goal = goal
	m.plan = plan
	m.vars = NewVarStore()
	m.pc = plan.NextAfter(-1)
	m.goalCompleted = false
	m.lastError = nil
	m.errs = nil
	m.msgs = nil
	m.status = StatusRunning
	m.RecalculateRefs()
	m.log.Info("plan loaded: %d instructions, pc=%d", plan.Len(), m.pc)
	return nil
}

// Restore replaces all execution state from a snapshot without re-validating
// the plan. Used when resuming from a commit.
func (m *VM) Restore(state *State) {
	m.goal = state.Goal
	m.responseFormat = state.ResponseFormat
	m.namespace = state.Namespace
	m.lastError = state.LastError
	m.plan = state.CurrentPlan
	m.vars = NewVarStore()
	m.vars.Restore(state.Variables, state.VariableRefs)
	m.pc = state.ProgramCounter
	m.goalCompleted = state.GoalCompleted
	m.errs = append([]string(nil), state.Errors...)
	m.msgs = append([]string(nil), state.Msgs...)
	switch {
	case m.goalCompleted:
		m.status = StatusCompleted
	case m.plan.IsTerminal(m.pc):
		m.status = StatusCompleted
	default:
		m.status = StatusRunning
	}
}

// Snapshot captures the full machine state for committing.
func (m *VM) Snapshot() *State {
	vars, refs := m.vars.Export()
	return &State{
		Goal:           m.goal,
		ResponseFormat: m.responseFormat,
		Namespace:      m.namespace,
		CurrentPlan:    m.plan,
		ProgramCounter: m.pc,
		GoalCompleted:  m.goalCompleted,
		Variables:      vars,
		VariableRefs:   refs,
		LastError:      m.lastError,
		Errors:         append([]string(nil), m.errs...),
		Msgs:           append([]string(nil), m.msgs...),
	}
}

// SetNamespace records the task's namespace in the machine state.
func (m *VM) SetNamespace(ns string) { m.namespace = ns }

// Namespace returns the task's namespace.
func (m *VM) Namespace() string { return m.namespace }

// SetResponseFormat records the task's response format options.
func (m *VM) SetResponseFormat(rf map[string]string) { m.responseFormat = rf }

// ResponseFormat returns the task's response format options.
func (m *VM) ResponseFormat() map[string]string { return m.responseFormat }

// LastError returns the error that moved the machine to Errored, if any.
func (m *VM) LastError() *verrors.Error { return m.lastError }

// Status returns the lifecycle state.
func (m *VM) Status() Status { return m.status }

// Goal returns the loaded goal text.
func (m *VM) Goal() string { return m.goal }

// PC returns the seq_no of the next instruction to execute.
func (m *VM) PC() int { return m.pc }

// Plan returns the installed plan.
func (m *VM) Plan() Plan { return m.plan }

// GoalCompleted reports whether final_answer has been bound.
func (m *VM) GoalCompleted() bool { return m.goalCompleted }

// Done reports whether execution cannot proceed further.
func (m *VM) Done() bool {
	return m.goalCompleted || m.plan.IsTerminal(m.pc) || m.status == StatusErrored
}

// FinalAnswer returns the bound final answer, if any.
func (m *VM) FinalAnswer() (Value, bool) {
	if !m.vars.Has(FinalAnswerVar) {
		return Value{}, false
	}
	v, err := m.vars.Get(FinalAnswerVar)
	if err != nil {
		return Value{}, false
	}
	return v, true
}

// Variable returns the current binding of name.
func (m *VM) Variable(name string) (Value, error) { return m.vars.Get(name) }

// CurrentInstruction returns the instruction the program counter addresses.
func (m *VM) CurrentInstruction() (*Instruction, bool) { return m.plan.BySeq(m.pc) }

// Step executes exactly one instruction and advances the program counter.
// An instruction failure moves the machine to Errored and returns the error;
// the variable store is untouched by the failed instruction.
func (m *VM) Step(ctx context.Context) (*StepResult, error) {
	if m.status == StatusErrored {
		return nil, verrors.New(verrors.KindInternal, "machine is errored; restore a snapshot to continue")
	}
	if m.Done() {
		return nil, verrors.New(verrors.KindInternal, "program counter %d is out of range", m.pc)
	}
	in, ok := m.plan.BySeq(m.pc)
	if !ok {
		return nil, m.fail(verrors.New(verrors.KindInternal, "no instruction at seq_no %d", m.pc).At(m.pc))
	}

	m.log.Debug("executing %s", in.String())
	handler := handlers[in.Type]
	if handler == nil {
		return nil, m.fail(verrors.New(verrors.KindValidation, "no handler for instruction type %q", in.Type).At(in.SeqNo))
	}

	result, err := handler(ctx, m, in)
	if err != nil {
		return nil, m.fail(verrors.AsError(err).At(in.SeqNo))
	}

	m.pc = result.NextPC
	m.status = StatusRunning
	if m.vars.Has(FinalAnswerVar) {
		m.goalCompleted = true
	}
	m.RecalculateRefs()
	if m.goalCompleted || m.plan.IsTerminal(m.pc) {
		m.status = StatusCompleted
	}
	for _, w := range result.Warnings {
		m.log.Warn("seq_no %d: %s", in.SeqNo, w)
		m.msgs = append(m.msgs, fmt.Sprintf("seq_no %d: %s", in.SeqNo, w))
	}
	return result, nil
}

func (m *VM) fail(err *verrors.Error) *verrors.Error {
	m.status = StatusErrored
	m.lastError = err
	m.errs = append(m.errs, err.Error())
	m.log.Error("%s", err.Error())
	return err
}

// RecalculateRefs recounts, for every stored variable, how many instructions
// at or past the program counter still reference it, then collects the dead
// ones. final_answer survives regardless.
func (m *VM) RecalculateRefs() {
	for _, name := range m.vars.Names() {
		m.vars.SetRefCount(name, 0)
	}
	for _, in := range m.plan.InSeqOrder() {
		if in.SeqNo < m.pc {
			continue
		}
		for _, ref := range in.Refs() {
			if m.vars.Has(ref) {
				m.vars.SetRefCount(ref, m.vars.RefCount(ref)+1)
			}
		}
	}
	m.vars.GC()
}
