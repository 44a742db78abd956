package orchestrator

import (
	"context"
	"fmt"

	"github.com/opentalon/toolgate/internal/controller"
)

// Executor performs the side effect of one tool call in call.Mode and reports
// the real outcome. A non-empty ToolResult.Error marks the invocation failed.
type Executor interface {
	Execute(ctx context.Context, call ToolCall) ToolResult
}

// Undoer is implemented by executors that can reverse an action popped from
// the rollback stack.
type Undoer interface {
	Undo(ctx context.Context, entry controller.RollbackEntry) error
}

type ExecutorFunc func(ctx context.Context, call ToolCall) ToolResult

func (f ExecutorFunc) Execute(ctx context.Context, call ToolCall) ToolResult { return f(ctx, call) }

// SimulatedExecutor succeeds for every call without touching anything. It
// backs dry pipelines and the CLI when no real executor is wired.
type SimulatedExecutor struct{}

func (SimulatedExecutor) Execute(_ context.Context, call ToolCall) ToolResult {
	return ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("%s %s for %s: simulated", call.Mode, call.Tool, call.Agent),
	}
}

func (SimulatedExecutor) Undo(context.Context, controller.RollbackEntry) error { return nil }
