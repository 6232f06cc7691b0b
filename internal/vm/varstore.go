package vm

import (
	"regexp"
	"sort"

	"stackvm/internal/verrors"
)

var (
	varNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	refPattern     = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)
)

// FinalAnswerVar is the distinguished variable that marks goal completion.
const FinalAnswerVar = "final_answer"

// IsValidVarName reports whether name is a legal variable name.
func IsValidVarName(name string) bool {
	return varNamePattern.MatchString(name)
}

// VarStore maps variable names to Values and tracks, per variable, how many
// not-yet-executed instructions still reference it so dead values can be
// collected between steps.
type VarStore struct {
	vars map[string]Value
	refs map[string]int
}

// NewVarStore returns an empty store.
func NewVarStore() *VarStore {
	return &VarStore{
		vars: make(map[string]Value),
		refs: make(map[string]int),
	}
}

// Set creates or overwrites a variable.
func (s *VarStore) Set(name string, v Value) error {
	if !IsValidVarName(name) {
		return verrors.New(verrors.KindValidation, "invalid variable name %q", name)
	}
	s.vars[name] = v
	return nil
}

// Get returns the value bound to name; absence is an UnresolvedVariable error.
func (s *VarStore) Get(name string) (Value, error) {
	v, ok := s.vars[name]
	if !ok {
		return Value{}, verrors.New(verrors.KindUnresolvedVariable, "variable %q is not defined", name)
	}
	return v, nil
}

// Has reports whether name is bound.
func (s *VarStore) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Names returns all bound names in sorted order.
func (s *VarStore) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetRefCount records the number of pending references to name.
func (s *VarStore) SetRefCount(name string, count int) {
	s.refs[name] = count
}

// RefCount returns the pending reference count for name.
func (s *VarStore) RefCount(name string) int {
	return s.refs[name]
}

// DecRefCount decrements the pending reference count for name.
func (s *VarStore) DecRefCount(name string) {
	if _, ok := s.refs[name]; ok {
		s.refs[name]--
	}
}

// GC removes variables whose reference count dropped to zero or below.
// final_answer is never collected.
func (s *VarStore) GC() {
	for name, count := range s.refs {
		if name == FinalAnswerVar {
			continue
		}
		if count <= 0 {
			delete(s.vars, name)
			delete(s.refs, name)
		}
	}
}

// Export returns copies of the variable and reference-count maps for
// snapshotting.
func (s *VarStore) Export() (map[string]Value, map[string]int) {
	vars := make(map[string]Value, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	refs := make(map[string]int, len(s.refs))
	for k, v := range s.refs {
		refs[k] = v
	}
	return vars, refs
}

// Restore replaces the store contents from a snapshot.
func (s *VarStore) Restore(vars map[string]Value, refs map[string]int) {
	s.vars = make(map[string]Value, len(vars))
	for k, v := range vars {
		s.vars[k] = v
	}
	s.refs = make(map[string]int, len(refs))
	for k, v := range refs {
		s.refs[k] = v
	}
}

// FindRefs returns the distinct `${name}` references in text, in order of
// first appearance.
func FindRefs(text string) []string {
	matches := refPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, match := range matches {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// SoleRef returns the referenced name when text is exactly one `${name}`
// token and nothing else.
func SoleRef(text string) (string, bool) {
	match := refPattern.FindStringSubmatch(text)
	if match != nil && match[0] == text {
		return match[1], true
	}
	return "", false
}

// Interpolate substitutes `${name}` references in text. Unbound references
// substitute the empty string and are returned as warnings rather than
// failing the caller; arithmetic and sole-token contexts reject them before
// calling Interpolate.
func (s *VarStore) Interpolate(text string) (string, []string) {
	var missing []string
	result := refPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := s.vars[name]; ok {
			return v.Stringify()
		}
		missing = append(missing, name)
		return ""
	})
	return result, missing
}

// ResolveParam resolves a parameter value the way the dispatcher hands it to
// tools: the bare {"var": name} shape yields the raw referenced Value,
// strings are interpolated, and containers are resolved element-wise.
func (s *VarStore) ResolveParam(v Value) (Value, []string, error) {
	switch v.Kind() {
	case KindString:
		text, _ := v.AsString()
		if name, ok := SoleRef(text); ok {
			raw, err := s.Get(name)
			if err != nil {
				return Value{}, nil, err
			}
			return raw, nil, nil
		}
		resolved, missing := s.Interpolate(text)
		return String(resolved), missing, nil
	case KindMap:
		m, _ := v.AsMap()
		if name, ok := varShape(m); ok {
			raw, err := s.Get(name)
			if err != nil {
				return Value{}, nil, err
			}
			return raw, nil, nil
		}
		resolved := make(map[string]Value, len(m))
		var missing []string
		for k, item := range m {
			r, miss, err := s.ResolveParam(item)
			if err != nil {
				return Value{}, nil, err
			}
			resolved[k] = r
			missing = append(missing, miss...)
		}
		return Map(resolved), missing, nil
	case KindList:
		items, _ := v.AsList()
		resolved := make([]Value, len(items))
		var missing []string
		for i, item := range items {
			r, miss, err := s.ResolveParam(item)
			if err != nil {
				return Value{}, nil, err
			}
			resolved[i] = r
			missing = append(missing, miss...)
		}
		return List(resolved...), missing, nil
	default:
		return v, nil, nil
	}
}

// varShape recognizes the {"var": "name"} reference form.
func varShape(m map[string]Value) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	nameValue, ok := m["var"]
	if !ok {
		return "", false
	}
	name, ok := nameValue.AsString()
	if !ok || !IsValidVarName(name) {
		return "", false
	}
	return name, true
}
