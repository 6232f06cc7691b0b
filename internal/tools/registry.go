// Package tools holds the tool registry, namespace allow-lists and the base
// tools every deployment ships with.
package tools

import (
	"context"
	"sync"
	"time"

	"stackvm/internal/logging"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// Metadata describes a registered tool: its required arguments and, for tools
// returning a mapping, the enumerated result keys. ResultKeys is nil for
// tools returning a single Value.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required"`
	ResultKeys  []string `json:"result_keys,omitempty"`
}

// Tool is a named callable. Invoke receives fully resolved parameters and
// must be idempotent from the engine's viewpoint.
type Tool interface {
	Metadata() Metadata
	Invoke(ctx context.Context, params map[string]vm.Value) (vm.Value, error)
}

// Registry maps tool names to handlers. Base tools are installed at
// construction and cannot be removed; dynamic tools come and go at runtime.
type Registry struct {
	base    map[string]Tool
	dynamic map[string]Tool
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		base:    make(map[string]Tool),
		dynamic: make(map[string]Tool),
	}
}

// RegisterBase installs a permanent tool. Base names win over dynamic ones.
func (r *Registry) RegisterBase(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base[tool.Metadata().Name] = tool
}

// Register installs a dynamic tool.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Metadata().Name
	if _, exists := r.base[name]; exists {
		return verrors.New(verrors.KindValidation, "tool %q is a base tool", name)
	}
	if _, exists := r.dynamic[name]; exists {
		return verrors.New(verrors.KindValidation, "tool %q is already registered", name)
	}
	r.dynamic[name] = tool
	return nil
}

// Unregister removes a dynamic tool. Base tools cannot be unregistered.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.base[name]; ok {
		return verrors.New(verrors.KindValidation, "cannot unregister base tool %q", name)
	}
	delete(r.dynamic, name)
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.base[name]; ok {
		return tool, nil
	}
	if tool, ok := r.dynamic[name]; ok {
		return tool, nil
	}
	return nil, verrors.New(verrors.KindToolNotFound, "tool %q is not registered", name)
}

// Has reports whether name resolves.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// List returns metadata for every registered tool, base tools first.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Metadata, 0, len(r.base)+len(r.dynamic))
	for _, tool := range r.base {
		defs = append(defs, tool.Metadata())
	}
	for _, tool := range r.dynamic {
		defs = append(defs, tool.Metadata())
	}
	return defs
}

// Caller adapts the registry to the machine's tool interface, enforcing
// namespace visibility, required arguments and the per-call timeout.
type Caller struct {
	registry *Registry
	ns       *Namespace
	timeout  time.Duration
	log      logging.Logger
}

// NewCaller binds a registry to one task's namespace. A zero timeout means
// no deadline beyond the caller's context.
func NewCaller(registry *Registry, ns *Namespace, timeout time.Duration, logger logging.Logger) *Caller {
	return &Caller{
		registry: registry,
		ns:       ns,
		timeout:  timeout,
		log:      logging.OrNop(logger),
	}
}

// Visible reports whether the bound namespace allows name. Used by plan
// validation before execution starts.
func (c *Caller) Visible(name string) bool {
	return c.registry.Has(name) && c.ns.Allows(name)
}

// CallTool implements vm.ToolCaller.
func (c *Caller) CallTool(ctx context.Context, name string, params map[string]vm.Value) (vm.Value, error) {
	tool, err := c.registry.Get(name)
	if err != nil {
		return vm.Value{}, err
	}
	if !c.ns.Allows(name) {
		return vm.Value{}, verrors.New(verrors.KindToolNotAllowed, "tool %q is not allowed in namespace %q", name, c.ns.Name)
	}
	meta := tool.Metadata()
	for _, required := range meta.Required {
		if _, ok := params[required]; !ok {
			return vm.Value{}, verrors.New(verrors.KindToolFailed, "tool %q is missing required argument %q", name, required)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Invoke(ctx, params)
	if err != nil && ctx.Err() == nil && verrors.IsTransient(err) {
		// One retry for transient network failures; anything past that is the
		// recovery controller's problem.
		c.log.Warn("tool %s transient failure, retrying once: %v", name, err)
		select {
		case <-ctx.Done():
		case <-time.After(transientRetryDelay):
			result, err = tool.Invoke(ctx, params)
		}
	}
	if err != nil {
		c.log.Error("tool %s failed after %s: %v", name, time.Since(start), err)
		return vm.Value{}, verrors.FromExternal(err)
	}
	c.log.Debug("tool %s completed in %s", name, time.Since(start))
	return result, nil
}

const transientRetryDelay = 500 * time.Millisecond
