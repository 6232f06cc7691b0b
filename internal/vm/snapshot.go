package vm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"stackvm/internal/verrors"
)

// State is the full serialized machine state recorded in every commit.
// Restoring a State on a fresh VM reproduces execution exactly.
type State struct {
	Goal           string            `json:"goal"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Namespace      string            `json:"namespace,omitempty"`
	CurrentPlan    Plan              `json:"current_plan"`
	ProgramCounter int               `json:"program_counter"`
	GoalCompleted  bool              `json:"goal_completed"`
	Variables      map[string]Value  `json:"variables"`
	VariableRefs   map[string]int    `json:"variables_refs"`
	LastError      *verrors.Error    `json:"last_error,omitempty"`
	Errors         []string          `json:"errors"`
	Msgs           []string          `json:"msgs"`
}

// Clone returns a deep copy. Values are immutable once stored, so sharing
// them between copies is safe.
func (s *State) Clone() *State {
	clone := &State{
		Goal:           s.Goal,
		Namespace:      s.Namespace,
		ProgramCounter: s.ProgramCounter,
		GoalCompleted:  s.GoalCompleted,
		Variables:      make(map[string]Value, len(s.Variables)),
		VariableRefs:   make(map[string]int, len(s.VariableRefs)),
		LastError:      s.LastError,
	}
	if s.ResponseFormat != nil {
		clone.ResponseFormat = make(map[string]string, len(s.ResponseFormat))
		for k, v := range s.ResponseFormat {
			clone.ResponseFormat[k] = v
		}
	}
	clone.CurrentPlan.Instructions = make([]Instruction, len(s.CurrentPlan.Instructions))
	copy(clone.CurrentPlan.Instructions, s.CurrentPlan.Instructions)
	for k, v := range s.Variables {
		clone.Variables[k] = v
	}
	for k, v := range s.VariableRefs {
		clone.VariableRefs[k] = v
	}
	clone.Errors = append([]string(nil), s.Errors...)
	clone.Msgs = append([]string(nil), s.Msgs...)
	return clone
}

// FinalAnswer returns the bound final answer, if any.
func (s *State) FinalAnswer() (Value, bool) {
	v, ok := s.Variables[FinalAnswerVar]
	return v, ok
}

// CanonicalJSON renders v as byte-deterministic JSON: object keys sorted,
// two-space indentation, LF line endings, no trailing newline. Commit hashes
// are computed over this form.
func CanonicalJSON(v any) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// Round-trip through an untyped decode so struct field order gives way to
	// sorted map keys, with UseNumber keeping numeric text intact.
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var untyped any
	if err := dec.Decode(&untyped); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	canonical, err := json.MarshalIndent(untyped, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}
