package planner

import (
	"fmt"
	"sort"
	"strings"

	"stackvm/internal/vm"
)

// instructionSpec tells the model exactly what plan JSON the machine accepts.
const instructionSpec = `A plan is a JSON array of instructions. Each instruction is
{"seq_no": <unique non-negative integer>, "type": <type>, "parameters": {...}}.

Instruction types:
- "reasoning": parameters carry "chain_of_thoughts" and "dependency_analysis". No side effect.
- "assign": parameters map variable names to values. A string value may embed ${name}
  references; a string that is pure arithmetic after substitution is evaluated as a number.
- "calling": parameters are "tool_name" (string), "tool_params" (mapping, values may embed
  ${name} references or the raw-value form {"var": "name"}), and "output_vars" (one variable
  name, or an array of names when the tool returns a mapping with those keys).
- "jmp": either {"target_seq": <seq_no>} for an unconditional jump, or
  {"condition_prompt": "...", "jump_if_true": <seq_no>, "jump_if_false": <seq_no>} for a
  conditional one. Branch bodies must be flattened into jump targets, never nested.

Rules:
- seq_no values are unique; jumps refer to seq_no, never to array position.
- Every variable must be bound by an earlier instruction before it is referenced.
- The final instruction on every path must assign the variable "final_answer".
Reply with the JSON array only.`

const planExample = `[
  {"seq_no": 0, "type": "reasoning", "parameters": {"chain_of_thoughts": "Look up the subject, then summarize.", "dependency_analysis": "step 1 feeds step 2"}},
  {"seq_no": 1, "type": "calling", "parameters": {"tool_name": "retrieve_knowledge_graph", "tool_params": {"query": "subject facts"}, "output_vars": "facts"}},
  {"seq_no": 2, "type": "calling", "parameters": {"tool_name": "llm_generate", "tool_params": {"prompt": "Summarize: ${facts}", "context": null}, "output_vars": "summary"}},
  {"seq_no": 3, "type": "assign", "parameters": {"final_answer": "${summary}"}}
]`

func generatePrompt(req GenerateRequest) string {
	var b strings.Builder
	b.WriteString("You write execution plans for a plan-running virtual machine.\n\n")
	b.WriteString(instructionSpec)
	b.WriteString("\n\nExample plan:\n")
	b.WriteString(planExample)
	b.WriteString("\n\n")
	b.WriteString(req.ToolCatalog)
	if hint := req.BestPracticesHint; hint != "" {
		b.WriteString("\nBest practices:\n" + hint + "\n")
	}
	if lang, ok := req.ResponseFormat["lang"]; ok && lang != "" {
		fmt.Fprintf(&b, "\nWrite the final answer in language %q.\n", lang)
	}
	fmt.Fprintf(&b, "\nGoal:\n%s\n", req.Goal)
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected:\n%s\nFix the plan and reply again.\n", req.Feedback)
	}
	return b.String()
}

func updatePrompt(req UpdateRequest) string {
	var b strings.Builder
	b.WriteString("A plan failed during execution. Produce a corrected plan.\n\n")
	b.WriteString(instructionSpec)
	b.WriteString("\n\n")
	b.WriteString(req.ToolCatalog)
	fmt.Fprintf(&b, "\nGoal:\n%s\n", req.Goal)
	fmt.Fprintf(&b, "\nCurrent plan:\n%s\n", renderPlan(req.Plan))
	fmt.Fprintf(&b, "\nExecution failed at seq_no %d:\n%s\n", req.FailingSeqNo, req.ErrorSummary)
	if len(req.Variables) > 0 {
		fmt.Fprintf(&b, "\nVariables bound so far:\n%s\n", renderVariables(req.Variables))
	}
	if req.Suggestion != "" {
		fmt.Fprintf(&b, "\nCaller suggestion:\n%s\n", req.Suggestion)
	}
	fmt.Fprintf(&b, "\nKeep instructions before seq_no %d unchanged; replace or extend the plan from seq_no %d onward. Reply with the complete corrected plan.\n",
		req.FailingSeqNo, req.FailingSeqNo)
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected:\n%s\nFix the plan and reply again.\n", req.Feedback)
	}
	return b.String()
}

func optimizePrompt(req OptimizeRequest) string {
	var b strings.Builder
	b.WriteString("Rewrite exactly one instruction of an execution plan.\n\n")
	b.WriteString(instructionSpec)
	b.WriteString("\n\n")
	b.WriteString(req.ToolCatalog)
	fmt.Fprintf(&b, "\nGoal:\n%s\n", req.Goal)
	fmt.Fprintf(&b, "\nCurrent plan:\n%s\n", renderPlan(req.Plan))
	fmt.Fprintf(&b, "\nRewrite only the instruction with seq_no %d according to this suggestion:\n%s\n", req.SeqNo, req.Suggestion)
	if len(req.Variables) > 0 {
		fmt.Fprintf(&b, "\nVariables bound so far:\n%s\n", renderVariables(req.Variables))
	}
	b.WriteString("\nAll other instructions must stay identical, including their seq_no values. Reply with the complete plan.\n")
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected:\n%s\nFix the plan and reply again.\n", req.Feedback)
	}
	return b.String()
}

func renderPlan(plan vm.Plan) string {
	data, err := plan.MarshalJSON()
	if err != nil {
		return "[]"
	}
	return string(data)
}

func renderVariables(vars map[string]vm.Value) string {
	var b strings.Builder
	for _, name := range sortedNames(vars) {
		fmt.Fprintf(&b, "- %s = %s\n", name, preview(vars[name]))
	}
	return b.String()
}

func sortedNames(vars map[string]vm.Value) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func preview(v vm.Value) string {
	text := v.Stringify()
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}
