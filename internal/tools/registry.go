// Package tools holds the closed set of step tools a plan may call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Outcome is what a tool produced. A synchronous tool fills Output; an
// asynchronous one returns the TaskID to wait on.
type Outcome struct {
	Output json.RawMessage
	TaskID string
}

// Async reports whether the step continues outside the engine.
func (o Outcome) Async() bool { return o.TaskID != "" }

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, params json.RawMessage) (Outcome, error)

// Registry stores tool executors keyed by tool name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for a tool name.
func (r *Registry) Register(toolName string, exec ExecutorFunc) error {
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	if toolName == domain.ToolDone || toolName == domain.ToolAwaitUser {
		return fmt.Errorf("%s is a reserved tool name", toolName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[toolName]; exists {
		return fmt.Errorf("executor already registered for %s", toolName)
	}
	r.executors[toolName] = exec
	return nil
}

// Has reports whether toolName is registered.
func (r *Registry) Has(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[toolName]
	return ok
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the executor for the tool name. Unknown tools are a contract violation.
func (r *Registry) Execute(ctx context.Context, toolName string, params json.RawMessage) (Outcome, error) {
	if toolName == "" {
		return Outcome{}, fmt.Errorf("%w: tool name is required", domain.ErrContractViolation)
	}
	r.mu.RLock()
	exec := r.executors[toolName]
	r.mu.RUnlock()
	if exec == nil {
		return Outcome{}, fmt.Errorf("%w: no executor registered for %s", domain.ErrContractViolation, toolName)
	}
	return exec(ctx, params)
}

// MustRegister adds an executor to r or panics.
func (r *Registry) MustRegister(toolName string, exec ExecutorFunc) {
	if err := r.Register(toolName, exec); err != nil {
		panic(err)
	}
}

func decodeParams(toolName string, params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: invalid parameters for %s: %v", domain.ErrContractViolation, toolName, err)
	}
	return nil
}

func invalidParams(toolName, format string, args ...any) error {
	return fmt.Errorf("%w: invalid parameters for %s: %s", domain.ErrContractViolation, toolName, fmt.Sprintf(format, args...))
}
