package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/verrors"
)

func ins(seqNo int, typ InstructionType, params map[string]Value) Instruction {
	return Instruction{SeqNo: seqNo, Type: typ, Params: params}
}

func answerPlan(extra ...Instruction) Plan {
	instructions := append(extra, ins(100, InstrAssign, map[string]Value{
		FinalAnswerVar: String("done"),
	}))
	return Plan{Instructions: instructions}
}

func TestParsePlanRepairsNearJSON(t *testing.T) {
	// Trailing comma and single quotes, the usual LLM output defects.
	raw := `[
		{'seq_no': 0, 'type': 'assign', 'parameters': {'final_answer': 'ok'},},
	]`
	plan, err := ParsePlan([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 1, plan.Len())
	assert.Equal(t, InstrAssign, plan.Instructions[0].Type)
}

func TestParsePlanRejectsGarbage(t *testing.T) {
	_, err := ParsePlan([]byte(`{"not": "an array"}`))
	require.Error(t, err)
	assert.Equal(t, verrors.KindLLMParse, verrors.KindOf(err))
}

func TestPlanSeqNavigation(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(10, InstrReasoning, nil),
		ins(0, InstrReasoning, nil),
		ins(5, InstrAssign, map[string]Value{FinalAnswerVar: String("x")}),
	}}
	assert.Equal(t, 5, plan.NextAfter(0))
	assert.Equal(t, 10, plan.NextAfter(5))
	assert.Equal(t, 11, plan.NextAfter(10), "past the last seq_no is the terminal sentinel")
	assert.Equal(t, 11, plan.TerminalPC())
	assert.True(t, plan.IsTerminal(11))
	assert.False(t, plan.IsTerminal(5))
}

func TestValidateDuplicateSeqNo(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(1, InstrReasoning, nil),
		ins(1, InstrAssign, map[string]Value{FinalAnswerVar: String("x")}),
	}}
	err := plan.Validate(nil)
	require.Error(t, err)
	assert.Equal(t, verrors.KindValidation, verrors.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate seq_no")
}

func TestValidateUnknownType(t *testing.T) {
	plan := answerPlan(ins(0, "spawn", nil))
	err := plan.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instruction type")
}

func TestValidateToolVisibility(t *testing.T) {
	plan := answerPlan(ins(0, InstrCalling, map[string]Value{
		"tool_name":   String("forbidden_tool"),
		"output_vars": String("out"),
	}))
	err := plan.Validate(func(tool string) bool { return tool == "allowed_tool" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not visible")

	plan = answerPlan(ins(0, InstrCalling, map[string]Value{
		"tool_name":   String("allowed_tool"),
		"output_vars": String("out"),
	}))
	require.NoError(t, plan.Validate(func(tool string) bool { return tool == "allowed_tool" }))
}

func TestValidateVariableFlow(t *testing.T) {
	plan := answerPlan(ins(0, InstrAssign, map[string]Value{
		"report": String("value is ${undefined_var}"),
	}))
	err := plan.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined_var")

	// Prebound names satisfy the flow check.
	require.NoError(t, plan.Validate(nil, "undefined_var"))
}

func TestValidateJmpTargets(t *testing.T) {
	plan := answerPlan(ins(0, InstrJmp, map[string]Value{
		"target_seq": Int(42),
	}))
	err := plan.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing seq_no 42")
}

func TestValidateFinalAnswerRequired(t *testing.T) {
	plan := Plan{Instructions: []Instruction{
		ins(0, InstrAssign, map[string]Value{"x": Int(1)}),
	}}
	err := plan.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), FinalAnswerVar)
}

func TestValidateRejectsNestedSubPlan(t *testing.T) {
	nested := List(Map(map[string]Value{
		"type":       String("assign"),
		"parameters": Map(map[string]Value{"x": Int(1)}),
	}))
	plan := answerPlan(ins(0, InstrJmp, map[string]Value{
		"target_seq": Int(100),
		"branches":   nested,
	}))
	err := plan.Validate(nil)
	require.Error(t, err)
	assert.Equal(t, verrors.KindValidation, verrors.KindOf(err))
	assert.Contains(t, err.Error(), "flattened")
}

func TestCallingOutputVarForms(t *testing.T) {
	single := ins(0, InstrCalling, map[string]Value{
		"tool_name":   String("t"),
		"output_vars": String("result"),
	})
	decoded, err := single.Calling()
	require.NoError(t, err)
	assert.True(t, decoded.SingleOutput)
	assert.Equal(t, []string{"result"}, decoded.OutputVars)

	multi := ins(0, InstrCalling, map[string]Value{
		"tool_name":   String("t"),
		"output_vars": List(String("a"), String("b")),
	})
	decoded, err = multi.Calling()
	require.NoError(t, err)
	assert.False(t, decoded.SingleOutput, "a one-element list is still the mapping form")
	assert.Equal(t, []string{"a", "b"}, decoded.OutputVars)
}

func TestInstructionRefs(t *testing.T) {
	in := ins(0, InstrCalling, map[string]Value{
		"tool_name": String("t"),
		"tool_params": Map(map[string]Value{
			"query": String("about ${topic} and ${topic}"),
			"raw":   Map(map[string]Value{"var": String("payload")}),
		}),
		"output_vars": String("out"),
	})
	assert.ElementsMatch(t, []string{"topic", "payload"}, in.Refs())
}
