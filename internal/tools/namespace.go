package tools

import (
	"regexp"

	"stackvm/internal/verrors"
)

// DefaultNamespace is assigned to tasks created without an explicit one. It
// carries no allow-list, so every registered tool is visible.
const DefaultNamespace = "default"

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Namespace is a named allow-list of tool names. An empty AllowedTools slice
// means the namespace does not restrict visibility.
type Namespace struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	AllowedTools []string `json:"allowed_tools"`
}

// Default returns the unrestricted namespace.
func Default() *Namespace {
	return &Namespace{Name: DefaultNamespace, Description: "all registered tools"}
}

// Validate checks the namespace name and tool entries.
func (n *Namespace) Validate() error {
	if !namespacePattern.MatchString(n.Name) {
		return verrors.New(verrors.KindValidation, "invalid namespace name %q", n.Name)
	}
	for _, tool := range n.AllowedTools {
		if tool == "" {
			return verrors.New(verrors.KindValidation, "namespace %q has an empty tool entry", n.Name)
		}
	}
	return nil
}

// Allows reports whether the namespace admits tool.
func (n *Namespace) Allows(tool string) bool {
	if len(n.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range n.AllowedTools {
		if allowed == tool {
			return true
		}
	}
	return false
}
