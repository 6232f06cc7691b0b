package tools

import (
	"sort"
	"strings"
)

// Catalog renders a markdown description of the tools visible to ns, for
// inclusion in planner prompts. Tools appear in name order.
func Catalog(r *Registry, ns *Namespace) string {
	defs := r.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var b strings.Builder
	b.WriteString("# Available Tools\n\n")
	for _, def := range defs {
		if ns != nil && !ns.Allows(def.Name) {
			continue
		}
		b.WriteString("## " + def.Name + "\n\n")
		b.WriteString(def.Description + "\n\n")
		if len(def.ResultKeys) > 0 {
			b.WriteString("Result keys: " + strings.Join(def.ResultKeys, ", ") + "\n\n")
		}
	}
	return b.String()
}
