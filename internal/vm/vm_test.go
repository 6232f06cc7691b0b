package vm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/verrors"
)

type stubTools struct {
	fn    func(name string, params map[string]Value) (Value, error)
	calls []string
}

func (s *stubTools) CallTool(_ context.Context, name string, params map[string]Value) (Value, error) {
	s.calls = append(s.calls, name)
	return s.fn(name, params)
}

type stubCond struct {
	verdict     bool
	explanation string
	err         error
	prompts     []string
}

func (s *stubCond) EvaluateCondition(_ context.Context, prompt, _ string) (bool, string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.verdict, s.explanation, s.err
}

func newTestVM(t *testing.T, plan Plan, tools ToolCaller, cond ConditionEvaluator) *VM {
	t.Helper()
	m := New(tools, cond, nil)
	require.NoError(t, m.Load("test goal", plan, nil))
	return m
}

func runToCompletion(t *testing.T, m *VM) {
	t.Helper()
	for !m.Done() {
		_, err := m.Step(context.Background())
		require.NoError(t, err)
	}
}

func TestAssignCases(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		// Non-string values bind verbatim.
		ins(0, InstrAssign, map[string]Value{
			"count": Int(7),
			"items": List(Int(1), Int(2)),
		}),
		// A sole reference binds the raw value, not a string rendering.
		ins(1, InstrAssign, map[string]Value{"copied": String("${items}")}),
		// The {"var": name} shape is a raw lookup.
		ins(2, InstrAssign, map[string]Value{"aliased": Map(map[string]Value{"var": String("count")})}),
		// Substituted arithmetic evaluates to a number.
		ins(3, InstrAssign, map[string]Value{"doubled": String("${count} * 2")}),
		// Everything else interpolates to a string.
		ins(4, InstrAssign, map[string]Value{FinalAnswerVar: String("count is ${doubled}")}),
	}}
	m := newTestVM(t, plan, nil, nil)
	runToCompletion(t, m)

	require.Equal(t, StatusCompleted, m.Status())
	answer, ok := m.FinalAnswer()
	require.True(t, ok)
	text, _ := answer.AsString()
	assert.Equal(t, "count is 14", text)
	assert.True(t, m.GoalCompleted())
}

func TestAssignNoRefStringIsLiteral(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{FinalAnswerVar: String("1 + 2")}),
	}}
	m := newTestVM(t, plan, nil, nil)
	runToCompletion(t, m)

	answer, _ := m.FinalAnswer()
	text, ok := answer.AsString()
	require.True(t, ok, "a reference-free string never enters arithmetic evaluation")
	assert.Equal(t, "1 + 2", text)
}

func TestAssignDivisionByZeroFailsInstruction(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{"zero": Int(0)}),
		ins(1, InstrAssign, map[string]Value{"bad": String("1 / ${zero}")}),
		ins(2, InstrAssign, map[string]Value{FinalAnswerVar: String("unreached")}),
	}}
	m := newTestVM(t, plan, nil, nil)
	_, err := m.Step(context.Background())
	require.NoError(t, err)

	_, err = m.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, verrors.KindToolFailed, verrors.KindOf(err))
	assert.Equal(t, StatusErrored, m.Status())
	assert.False(t, m.vars.Has("bad"), "a failed assign writes nothing")
}

func TestAssignArithmeticWithMissingRef(t *testing.T) {
	// Validation would normally reject this, so drive the dispatcher directly
	// through a restored snapshot.
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{"x": String("${missing} + 1")}),
		ins(1, InstrAssign, map[string]Value{FinalAnswerVar: String("unreached")}),
	}}
	m := New(nil, nil, nil)
	m.Restore(&State{Goal: "g", CurrentPlan: plan, ProgramCounter: 0})

	_, err := m.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, verrors.KindUnresolvedVariable, verrors.KindOf(err))
}

func TestAssignAtomicity(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{
			"good": String("fine"),
			"bad":  String("${absent}"),
		}),
		ins(1, InstrAssign, map[string]Value{FinalAnswerVar: String("x")}),
	}}
	m := New(nil, nil, nil)
	m.Restore(&State{Goal: "g", CurrentPlan: plan, ProgramCounter: 0})

	_, err := m.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, verrors.KindUnresolvedVariable, verrors.KindOf(err))
	assert.False(t, m.vars.Has("good"), "no partial writes from a failed assign")
}

func TestAssignMissingRefInterpolatesWithWarning(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{FinalAnswerVar: String("hello ${who}!")}),
	}}
	m := New(nil, nil, nil)
	m.Restore(&State{Goal: "g", CurrentPlan: plan, ProgramCounter: 0})

	result, err := m.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "who")

	answer, _ := m.FinalAnswer()
	text, _ := answer.AsString()
	assert.Equal(t, "hello !", text)
}

func TestCallingSingleAndMappedOutputs(t *testing.T) {
	tools := &stubTools{fn: func(name string, params map[string]Value) (Value, error) {
		switch name {
		case "whole":
			return String("entire response"), nil
		case "split":
			return Map(map[string]Value{
				"first":  Int(1),
				"second": Int(2),
				"extra":  Int(3),
			}), nil
		}
		return Value{}, verrors.New(verrors.KindToolNotFound, "tool %q is not registered", name)
	}}
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrCalling, map[string]Value{
			"tool_name":   String("whole"),
			"output_vars": String("all"),
		}),
		ins(1, InstrCalling, map[string]Value{
			"tool_name":   String("split"),
			"output_vars": List(String("first"), String("second")),
		}),
		ins(2, InstrAssign, map[string]Value{FinalAnswerVar: String("${all} ${first} ${second}")}),
	}}
	m := newTestVM(t, plan, tools, nil)
	runToCompletion(t, m)

	answer, _ := m.FinalAnswer()
	text, _ := answer.AsString()
	assert.Equal(t, "entire response 1 2", text)
	assert.Equal(t, []string{"whole", "split"}, tools.calls)
}

func TestCallingMappedOutputMissingKey(t *testing.T) {
	tools := &stubTools{fn: func(string, map[string]Value) (Value, error) {
		return Map(map[string]Value{"present": Int(1)}), nil
	}}
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrCalling, map[string]Value{
			"tool_name":   String("t"),
			"output_vars": List(String("present"), String("absent")),
		}),
		ins(1, InstrAssign, map[string]Value{FinalAnswerVar: String("x")}),
	}}
	m := newTestVM(t, plan, tools, nil)

	_, err := m.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, verrors.KindToolFailed, verrors.KindOf(err))
	assert.False(t, m.vars.Has("present"), "missing keys abort the whole binding")
}

func TestCallingParamResolution(t *testing.T) {
	var seen map[string]Value
	tools := &stubTools{fn: func(_ string, params map[string]Value) (Value, error) {
		seen = params
		return String("ok"), nil
	}}
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{
			"topic":   String("graphs"),
			"payload": Map(map[string]Value{"k": Int(1)}),
		}),
		ins(1, InstrCalling, map[string]Value{
			"tool_name": String("t"),
			"tool_params": Map(map[string]Value{
				"query": String("about ${topic}"),
				"raw":   Map(map[string]Value{"var": String("payload")}),
			}),
			"output_vars": String(FinalAnswerVar),
		}),
	}}
	m := newTestVM(t, plan, tools, nil)
	runToCompletion(t, m)

	query, _ := seen["query"].AsString()
	assert.Equal(t, "about graphs", query)
	assert.Equal(t, KindMap, seen["raw"].Kind(), "the var shape passes the raw value through")
}

func TestJmpUnconditional(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrJmp, map[string]Value{"target_seq": Int(2)}),
		ins(1, InstrAssign, map[string]Value{FinalAnswerVar: String("skipped")}),
		ins(2, InstrAssign, map[string]Value{FinalAnswerVar: String("landed")}),
	}}
	m := newTestVM(t, plan, nil, nil)
	runToCompletion(t, m)

	answer, _ := m.FinalAnswer()
	text, _ := answer.AsString()
	assert.Equal(t, "landed", text)
}

func TestJmpConditional(t *testing.T) {
	cond := &stubCond{verdict: true, explanation: "the count is large"}
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{"count": Int(9000)}),
		ins(1, InstrJmp, map[string]Value{
			"condition_prompt": String("is ${count} large?"),
			"jump_if_true":     Int(3),
			"jump_if_false":    Int(2),
		}),
		ins(2, InstrAssign, map[string]Value{FinalAnswerVar: String("small")}),
		ins(3, InstrAssign, map[string]Value{FinalAnswerVar: String("large")}),
	}}
	m := newTestVM(t, plan, nil, cond)
	runToCompletion(t, m)

	answer, _ := m.FinalAnswer()
	text, _ := answer.AsString()
	assert.Equal(t, "large", text)
	require.Len(t, cond.prompts, 1)
	assert.Equal(t, "is 9000 large?", cond.prompts[0], "the prompt interpolates before the verdict call")
}

func TestGarbageCollection(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{"temp": String("scratch")}),
		ins(1, InstrAssign, map[string]Value{"kept": String("use ${temp}")}),
		ins(2, InstrAssign, map[string]Value{FinalAnswerVar: String("${kept}")}),
	}}
	m := newTestVM(t, plan, nil, nil)

	_, err := m.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, m.vars.Has("temp"), "still referenced by seq_no 1")

	_, err = m.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, m.vars.Has("temp"), "no remaining references past the counter")
	assert.True(t, m.vars.Has("kept"))

	runToCompletion(t, m)
	assert.True(t, m.vars.Has(FinalAnswerVar), "final_answer is never collected")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{"x": Int(5)}),
		ins(1, InstrAssign, map[string]Value{"y": String("${x} + 1")}),
		ins(2, InstrAssign, map[string]Value{FinalAnswerVar: String("${y}")}),
	}}
	m := newTestVM(t, plan, nil, nil)
	_, err := m.Step(context.Background())
	require.NoError(t, err)

	snapshot := m.Snapshot()
	assert.Equal(t, 1, snapshot.ProgramCounter)

	restored := New(nil, nil, nil)
	restored.Restore(snapshot)
	runToCompletion(t, restored)

	answer, _ := restored.FinalAnswer()
	n, ok := answer.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(6), n)
}

func TestStepAtTerminalFails(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{FinalAnswerVar: String("done")}),
	}}
	m := newTestVM(t, plan, nil, nil)
	runToCompletion(t, m)

	_, err := m.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, verrors.KindInternal, verrors.KindOf(err))
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("a", 80)
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{FinalAnswerVar: String(long)}),
	}}
	m := newTestVM(t, plan, nil, nil)

	result, err := m.Step(context.Background())
	require.NoError(t, err)
	preview := result.Outputs[FinalAnswerVar]
	assert.Equal(t, strings.Repeat("a", 50)+"...", preview)

	answer, _ := m.FinalAnswer()
	text, _ := answer.AsString()
	assert.Equal(t, long, text, "truncation applies to previews only")
}
