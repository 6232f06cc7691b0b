package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/llm"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

const validPlanReply = `[
  {"seq_no": 0, "type": "calling", "parameters": {"tool_name": "retrieve_knowledge_graph", "tool_params": {"query": "tidb"}, "output_vars": "facts"}},
  {"seq_no": 1, "type": "assign", "parameters": {"final_answer": "${facts}"}}
]`

func TestGenerateParsesPlan(t *testing.T) {
	client := llm.NewMockClient("Here is the plan:\n```json\n" + validPlanReply + "\n```")
	p := NewLLM(llm.NewRouterWithClients(client, nil))

	plan, err := p.Generate(context.Background(), GenerateRequest{
		Goal:        "explain tidb",
		ToolCatalog: "# Available Tools",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Len())

	requests := client.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Messages[0].Content, "explain tidb")
	assert.Contains(t, requests[0].Messages[0].Content, "# Available Tools")
}

func TestGenerateRetriesUnparseableOnce(t *testing.T) {
	client := llm.NewMockClient("I cannot do that", validPlanReply)
	p := NewLLM(llm.NewRouterWithClients(client, nil))

	plan, err := p.Generate(context.Background(), GenerateRequest{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Len())
	assert.Equal(t, 2, client.Calls())

	requests := client.Requests()
	assert.Contains(t, requests[1].Messages[0].Content, "ONLY the JSON array")
}

func TestGenerateSurfacesRepeatedParseFailure(t *testing.T) {
	client := llm.NewMockClient("nope", "still nope")
	p := NewLLM(llm.NewRouterWithClients(client, nil))

	_, err := p.Generate(context.Background(), GenerateRequest{Goal: "g"})
	require.Error(t, err)
	assert.Equal(t, verrors.KindLLMParse, verrors.KindOf(err))
	assert.Equal(t, 2, client.Calls(), "exactly one strict retry")
}

func TestUpdateUsesReasonEndpoint(t *testing.T) {
	standard := llm.NewMockClient()
	reason := llm.NewMockClient(validPlanReply)
	p := NewLLM(llm.NewRouterWithClients(standard, reason))

	failing := vm.Plan{Instructions: []vm.Instruction{
		{SeqNo: 0, Type: vm.InstrAssign, Params: map[string]vm.Value{"final_answer": vm.String("${nope}")}},
	}}
	plan, err := p.Update(context.Background(), UpdateRequest{
		Goal:         "g",
		Plan:         failing,
		FailingSeqNo: 0,
		ErrorSummary: "UnresolvedVariable: nope",
		Variables:    map[string]vm.Value{"partial": vm.Int(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Len())
	assert.Equal(t, 0, standard.Calls())
	require.Equal(t, 1, reason.Calls())

	prompt := reason.Requests()[0].Messages[0].Content
	assert.Contains(t, prompt, "UnresolvedVariable: nope")
	assert.Contains(t, prompt, "failed at seq_no 0")
}

func TestStaticPlanner(t *testing.T) {
	fixed := vm.Plan{Instructions: []vm.Instruction{
		{SeqNo: 0, Type: vm.InstrAssign, Params: map[string]vm.Value{"final_answer": vm.String("x")}},
	}}
	s := &Static{Plan: fixed}

	plan, err := s.Generate(context.Background(), GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Len())

	_, err = s.Update(context.Background(), UpdateRequest{})
	require.Error(t, err)
}
