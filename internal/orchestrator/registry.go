package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opentalon/toolgate/internal/controller"
)

// ExecutorRegistry routes calls to a per-tool Executor, falling back to a
// default one. It is itself an Executor and an Undoer.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewExecutorRegistry returns a registry; fallback may be nil, in which case
// calls to unregistered tools fail.
func NewExecutorRegistry(fallback Executor) *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[string]Executor),
		fallback:  fallback,
	}
}

func (r *ExecutorRegistry) Register(tool string, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[tool]; exists {
		return fmt.Errorf("executor for %q already registered", tool)
	}
	r.executors[tool] = exec
	return nil
}

func (r *ExecutorRegistry) Deregister(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, tool)
}

// Get returns the executor that would handle tool.
func (r *ExecutorRegistry) Get(tool string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.executors[tool]; ok {
		return exec, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

func (r *ExecutorRegistry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]string, 0, len(r.executors))
	for t := range r.executors {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}

func (r *ExecutorRegistry) Execute(ctx context.Context, call ToolCall) ToolResult {
	exec, ok := r.Get(call.Tool)
	if !ok {
		return ToolResult{CallID: call.ID, Error: fmt.Sprintf("no executor for %q", call.Tool)}
	}
	return exec.Execute(ctx, call)
}

// Undo forwards to the tool's executor when it can undo; otherwise the entry
// is dropped without error.
func (r *ExecutorRegistry) Undo(ctx context.Context, entry controller.RollbackEntry) error {
	exec, ok := r.Get(entry.Tool)
	if !ok {
		return nil
	}
	if u, ok := exec.(Undoer); ok {
		return u.Undo(ctx, entry)
	}
	return nil
}
